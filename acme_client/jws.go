package acme_client

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/certcentral/certcentral/certcrypto"
	"github.com/go-jose/go-jose/v3"
)

// signContent wraps content in a flattened JWS for url.
// The protected header carries alg, nonce, url, and either the embedded
// account JWK (newAccount, revoke by cert key) or the account URL as kid.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-6.2
func (c *Client) signContent(url string, content []byte, embedJWK bool) (*jose.JSONWebSignature, error) {
	key, kid := c.accountKey()

	alg, err := certcrypto.SignatureAlgorithm(key)
	if err != nil {
		return nil, err
	}

	if embedJWK {
		kid = ""
	}
	signKey := jose.SigningKey{
		Algorithm: alg,
		Key:       jose.JSONWebKey{Key: key, KeyID: kid},
	}
	options := jose.SignerOptions{
		NonceSource: c.nonces,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}
	if kid == "" {
		options.EmbedJWK = true
	}

	signer, err := jose.NewSigner(signKey, &options)
	if err != nil {
		return nil, fmt.Errorf("error in jose.NewSigner: %w", err)
	}
	signed, err := signer.Sign(content)
	if err != nil {
		return nil, fmt.Errorf("error signing content: %w", err)
	}
	return signed, nil
}

// signEAB builds the externalAccountBinding member for newAccount: an inner
// JWS over the account public key, signed with the CA-issued HMAC key. It
// has no nonce, and its url matches the outer request.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.3.4
func (c *Client) signEAB(url string) (json.RawMessage, error) {
	key, _ := c.accountKey()
	jwk := jose.JSONWebKey{Key: key.Public()}
	jwkJSON, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("error marshaling account key: %w", err)
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.HS256,
		Key:       c.eab.HMACKey,
	}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"kid": c.eab.KID,
			"url": url,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error in jose.NewSigner: %w", err)
	}
	signed, err := signer.Sign(jwkJSON)
	if err != nil {
		return nil, fmt.Errorf("error signing eab: %w", err)
	}
	return json.RawMessage(signed.FullSerialize()), nil
}

// keyChangeMessage is the payload of the inner key rollover JWS.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.3.5
type keyChangeMessage struct {
	Account string          `json:"account"`
	OldKey  jose.JSONWebKey `json:"oldKey"`
}

// signKeyChange builds the inner JWS for key rollover: signed by the NEW
// key with an embedded JWK, no nonce, url set to the keyChange resource.
func (c *Client) signKeyChange(url string, newKey crypto.Signer) ([]byte, error) {
	oldKey, kid := c.accountKey()
	payload, err := json.Marshal(keyChangeMessage{
		Account: kid,
		OldKey:  jose.JSONWebKey{Key: oldKey.Public()},
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling key change payload: %w", err)
	}

	alg, err := certcrypto.SignatureAlgorithm(newKey)
	if err != nil {
		return nil, err
	}
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: alg,
		Key:       jose.JSONWebKey{Key: newKey},
	}, &jose.SignerOptions{
		EmbedJWK: true,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error in jose.NewSigner: %w", err)
	}
	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("error signing key change: %w", err)
	}
	return []byte(signed.FullSerialize()), nil
}

// DecodeHMACKey parses the base64url-encoded HMAC key handed out with an
// EAB kid.
func DecodeHMACKey(encoded string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// some CAs hand out padded base64
		key, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("error decoding hmac key: %w", err)
		}
	}
	return key, nil
}
