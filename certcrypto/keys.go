package certcrypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	legocrypto "github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-jose/go-jose/v3"
)

// KeyType is a private key kind as spelled in configuration.
type KeyType string

const (
	RSA2048 KeyType = "rsa-2048"
	RSA3072 KeyType = "rsa-3072"
	RSA4096 KeyType = "rsa-4096"
	ECP256  KeyType = "ecdsa-p256"
	ECP384  KeyType = "ecdsa-p384"
)

var (
	ErrUnknownKeyType = errors.New("unknown key type")
	ErrNoNames        = errors.New("at least one DNS name is required")
	ErrNotSigner      = errors.New("key does not implement crypto.Signer")

	legoKeyTypes = map[KeyType]legocrypto.KeyType{
		RSA2048: legocrypto.RSA2048,
		RSA3072: legocrypto.RSA3072,
		RSA4096: legocrypto.RSA4096,
		ECP256:  legocrypto.EC256,
		ECP384:  legocrypto.EC384,
	}
)

func ParseKeyType(s string) (KeyType, error) {
	kt := KeyType(s)
	if _, ok := legoKeyTypes[kt]; !ok {
		return "", fmt.Errorf("%q: %w", s, ErrUnknownKeyType)
	}
	return kt, nil
}

// GenerateKey makes a fresh private key of the requested kind.
func GenerateKey(kt KeyType) (crypto.Signer, error) {
	legoKT, ok := legoKeyTypes[kt]
	if !ok {
		return nil, fmt.Errorf("%q: %w", kt, ErrUnknownKeyType)
	}
	key, err := legocrypto.GeneratePrivateKey(legoKT)
	if err != nil {
		return nil, fmt.Errorf("error in GeneratePrivateKey: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, ErrNotSigner
	}
	return signer, nil
}

func KeyPEM(key crypto.Signer) []byte {
	return legocrypto.PEMEncode(key)
}

func ParseKeyPEM(pemBytes []byte) (crypto.Signer, error) {
	key, err := legocrypto.ParsePEMPrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("error in ParsePEMPrivateKey: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, ErrNotSigner
	}
	return signer, nil
}

func CertPEM(der []byte) []byte {
	return legocrypto.PEMEncode(legocrypto.DERCertificateBytes(der))
}

func ParseCertPEM(pemBytes []byte) (*x509.Certificate, error) {
	return legocrypto.ParsePEMCertificate(pemBytes)
}

// ParseBundlePEM parses a PEM chain, leaf first.
func ParseBundlePEM(pemBytes []byte) ([]*x509.Certificate, error) {
	return legocrypto.ParsePEMBundle(pemBytes)
}

// PublicKeyFingerprint is the hex SHA-256 of the PKIX DER encoding of pub.
// Stable for the lifetime of a key, used to tie meta.json to privkey.pem.
func PublicKeyFingerprint(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("error in MarshalPKIXPublicKey: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// Thumbprint computes the base64url RFC 7638 JWK thumbprint of the key's
// public half.
func Thumbprint(key crypto.Signer) (string, error) {
	jwk := &jose.JSONWebKey{Key: key.Public()}
	thumbBytes, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("error in jwk.Thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbBytes), nil
}

// KeyAuthorization builds the challenge response value token.thumbprint.
func KeyAuthorization(token string, key crypto.Signer) (string, error) {
	thumb, err := Thumbprint(key)
	if err != nil {
		return "", err
	}
	return token + "." + thumb, nil
}

// SignatureAlgorithm picks the JWS alg matching an account key.
func SignatureAlgorithm(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		default:
			return "", fmt.Errorf("curve %s: %w", k.Curve.Params().Name, ErrUnknownKeyType)
		}
	default:
		return "", fmt.Errorf("%T: %w", key, ErrUnknownKeyType)
	}
}
