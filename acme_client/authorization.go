package acme_client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Authorization statuses.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.1.4
const (
	AuthzStatusPending     = "pending"
	AuthzStatusProcessing  = "processing"
	AuthzStatusValid       = "valid"
	AuthzStatusInvalid     = "invalid"
	AuthzStatusDeactivated = "deactivated"
	AuthzStatusExpired     = "expired"
	AuthzStatusRevoked     = "revoked"
)

// Authorization the ACME authorization Object.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.1.4
// wire shape follows lego's commons.go
type Authorization struct {
	// status (required, string):
	// The status of this authorization.
	// Possible values are: "pending", "valid", "invalid", "deactivated", "expired", and "revoked".
	Status string `json:"status"`

	// expires (optional, string):
	// The timestamp after which the server will consider this authorization invalid,
	// encoded in the format specified in RFC 3339.
	// This field is REQUIRED for objects with "valid" in the "status" field.
	Expires string `json:"expires,omitempty"`

	// identifier (required, object):
	// The identifier that the account is authorized to represent.
	Identifier Identifier `json:"identifier,omitempty"`

	// challenges (required, array of objects):
	// For pending authorizations, the challenges that the client can fulfill in order to prove possession of the identifier.
	// For valid authorizations, the challenge that was validated.
	// For invalid authorizations, the challenge that was attempted and failed.
	Challenges []Challenge `json:"challenges,omitempty"`

	// wildcard (optional, boolean):
	// This field MUST be present and true for authorizations created as a result of a newOrder request containing a
	// DNS identifier with a value that was a wildcard domain name.
	// For other authorizations, it MUST be absent.
	Wildcard bool `json:"wildcard,omitempty"`
}

// Terminal reports whether the authorization left the pending/processing
// states for good.
func (a *Authorization) Terminal() bool {
	switch a.Status {
	case AuthzStatusPending, AuthzStatusProcessing:
		return false
	}
	return true
}

// ChallengeOfType returns the offered challenge of the given type, or nil.
func (a *Authorization) ChallengeOfType(challengeType string) *Challenge {
	for i := range a.Challenges {
		if a.Challenges[i].Type == challengeType {
			return &a.Challenges[i]
		}
	}
	return nil
}

// FailedChallenge returns the first challenge carrying an error document,
// for diagnostics after an invalid authorization.
func (a *Authorization) FailedChallenge() *Challenge {
	for i := range a.Challenges {
		if a.Challenges[i].Error != nil {
			return &a.Challenges[i]
		}
	}
	return nil
}

// GetAuthorization fetches an authorization object via POST-as-GET.
func (c *Client) GetAuthorization(ctx context.Context, authzURL string) (*Authorization, error) {
	res, err := c.postAsGet(ctx, "getAuthorization", authzURL)
	if err != nil {
		return nil, fmt.Errorf("error in getAuthorization: %w", err)
	}
	authz := &Authorization{}
	if err := json.Unmarshal(res.body, authz); err != nil {
		return nil, fmt.Errorf("error unmarshaling authorization: %w", err)
	}
	return authz, nil
}

// PollAuthorization polls until the authorization reaches a terminal
// status or the deadline passes. The terminal authorization is returned
// even when invalid; the caller inspects Status.
func (c *Client) PollAuthorization(ctx context.Context, authzURL string, deadline time.Time) (*Authorization, error) {
	var authz *Authorization
	err := c.pollUntil(ctx, deadline, func(ctx context.Context) (bool, time.Duration, error) {
		res, err := c.postAsGet(ctx, "pollAuthorization", authzURL)
		if err != nil {
			return false, 0, fmt.Errorf("error in pollAuthorization: %w", err)
		}
		a := &Authorization{}
		if err := json.Unmarshal(res.body, a); err != nil {
			return false, 0, fmt.Errorf("error unmarshaling authorization: %w", err)
		}
		authz = a
		return a.Terminal(), retryAfter(res.header, c.clock.Now()), nil
	})
	if err != nil {
		return nil, err
	}
	return authz, nil
}
