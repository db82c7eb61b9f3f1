package acme_client

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Account the ACME account Object.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.1.2
// wire shape follows lego's commons.go
type Account struct {
	// status (required, string):
	// The status of this account.
	// Possible values are: "valid", "deactivated", and "revoked".
	// The value "deactivated" should be used to indicate client-initiated deactivation
	// whereas "revoked" should be used to indicate server-initiated deactivation.
	Status string `json:"status,omitempty"`

	// contact (optional, array of string):
	// An array of URLs that the server can use to contact the client for issues related to this account.
	// For example, the server may wish to notify the client about server-initiated revocation or certificate expiration.
	Contact []string `json:"contact,omitempty"`

	// termsOfServiceAgreed (optional, boolean):
	// Including this field in a newAccount request, with a value of true,
	// indicates the client's agreement with the terms of service.
	// This field cannot be updated by the client.
	TermsOfServiceAgreed bool `json:"termsOfServiceAgreed,omitempty"`

	// orders (required, string):
	// A URL from which a list of orders submitted by this account can be fetched via a POST-as-GET request.
	Orders string `json:"orders,omitempty"`

	// onlyReturnExisting (optional, boolean):
	// If this field is present with the value "true",
	// then the server MUST NOT create a new account if one does not already exist.
	// This allows a client to look up an account URL based on an account key.
	OnlyReturnExisting bool `json:"onlyReturnExisting,omitempty"`

	// externalAccountBinding (optional, object):
	// An object with the same fields as for a JWS object,
	// whose payload is the account public key signed with a CA-provisioned MAC key.
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
}

// NewAccount binds the client's key to a CA account. The key is looked up
// first with onlyReturnExisting, so a restart reattaches to its account
// without touching contact or terms; only an accountDoesNotExist answer
// triggers a fresh registration. Subsequent requests are signed with the
// account URL as kid.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.3
func (c *Client) NewAccount(ctx context.Context, contact []string) (string, error) {
	lookup, err := json.Marshal(Account{OnlyReturnExisting: true})
	if err != nil {
		return "", fmt.Errorf("error marshaling account lookup: %w", err)
	}
	res, err := c.post(ctx, "newAccount", c.dir.NewAccount, lookup, true)
	if err == nil {
		if res.location == "" {
			return "", fmt.Errorf("newAccount returned no Location header (status %d)", res.status)
		}
		c.keyMu.Lock()
		c.kid = res.location
		c.keyMu.Unlock()
		c.logger.Debug().Str("kid", res.location).Msg("account key already registered")
		return res.location, nil
	}
	var problem *Problem
	if !errors.As(err, &problem) || problem.Type != ErrorTypeAccountDoesNotExist {
		return "", fmt.Errorf("error in newAccount lookup: %w", err)
	}

	account := Account{
		Contact:              contact,
		TermsOfServiceAgreed: true,
	}
	if c.eab != nil {
		eab, err := c.signEAB(c.dir.NewAccount)
		if err != nil {
			return "", err
		}
		account.ExternalAccountBinding = eab
	}

	payload, err := json.Marshal(account)
	if err != nil {
		return "", fmt.Errorf("error marshaling account: %w", err)
	}

	res, err = c.post(ctx, "newAccount", c.dir.NewAccount, payload, true)
	if err != nil {
		return "", fmt.Errorf("error in newAccount: %w", err)
	}
	if res.location == "" {
		return "", fmt.Errorf("newAccount returned no Location header (status %d)", res.status)
	}

	c.keyMu.Lock()
	c.kid = res.location
	c.keyMu.Unlock()
	if res.status == http.StatusOK {
		c.logger.Debug().Str("kid", res.location).Msg("account key already registered")
	}
	return res.location, nil
}

// RotateKey replaces the account key on the CA side: an inner JWS signed by
// the new key (embedded JWK, no nonce) is wrapped in an outer JWS signed by
// the current key. On success the client signs with the new key; the
// account URL is unchanged.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.3.5
func (c *Client) RotateKey(ctx context.Context, newKey crypto.Signer) error {
	if c.KID() == "" {
		return ErrNoAccount
	}

	inner, err := c.signKeyChange(c.dir.KeyChange, newKey)
	if err != nil {
		return err
	}
	if _, err := c.post(ctx, "keyChange", c.dir.KeyChange, inner, false); err != nil {
		return fmt.Errorf("error in keyChange: %w", err)
	}

	c.keyMu.Lock()
	c.key = newKey
	c.keyMu.Unlock()
	return nil
}
