package acme_client

import (
	"context"
	"encoding/json"
	"fmt"
)

// Challenge types this package knows about. Offered challenge types the
// engine does not solve are simply ignored.
const (
	ChallengeTypeHTTP01 = "http-01"
	ChallengeTypeDNS01  = "dns-01"
)

// Challenge the ACME challenge Object.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.1.5
// wire shape follows lego's commons.go
type Challenge struct {
	// type (required, string):
	// The type of challenge encoded in the object.
	Type string `json:"type"`

	// url (required, string):
	// The URL to which a response can be posted.
	URL string `json:"url"`

	// status (required, string):
	// The status of this challenge. Possible values are: "pending", "processing", "valid", and "invalid".
	Status string `json:"status"`

	// validated (optional, string):
	// The time at which the server validated this challenge,
	// encoded in the format specified in RFC 3339.
	// This field is REQUIRED if the "status" field is "valid".
	Validated string `json:"validated,omitempty"`

	// error (optional, object):
	// Error that occurred while the server was validating the challenge, if any,
	// structured as a problem document.
	// Multiple errors can be indicated by using subproblems.
	// A challenge object with an error MUST have status equal to "invalid".
	Error *Problem `json:"error,omitempty"`

	// token (required, string):
	// A random value that uniquely identifies the challenge.
	// This value MUST have at least 128 bits of entropy.
	Token string `json:"token"`
}

// RespondToChallenge tells the CA the challenge is provisioned and
// validation may begin. Per RFC 8555 the signal is an empty JSON object,
// not an empty body (that would be POST-as-GET).
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.5.1
func (c *Client) RespondToChallenge(ctx context.Context, challengeURL string) (*Challenge, error) {
	res, err := c.post(ctx, "respondToChallenge", challengeURL, []byte("{}"), false)
	if err != nil {
		return nil, fmt.Errorf("error in respondToChallenge: %w", err)
	}
	challenge := &Challenge{}
	if err := json.Unmarshal(res.body, challenge); err != nil {
		return nil, fmt.Errorf("error unmarshaling challenge: %w", err)
	}
	return challenge, nil
}
