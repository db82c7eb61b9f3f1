// Package dnsprovider holds the drivers that place and remove the TXT
// records dns-01 validation needs. Each driver is a small self-contained
// implementation chosen by the config driver kind; no runtime reflection.
package dnsprovider

import (
	"context"
	"errors"
	"fmt"

	"github.com/certcentral/certcentral/gologger"
)

var (
	ErrUnknownDriver     = errors.New("unknown dns driver")
	ErrMissingCredential = errors.New("missing credential")

	logger = gologger.NewLogger()
)

// Provider is the capability set a dns-01 fulfiller needs from a zone.
type Provider interface {
	// AddTXT publishes value at fqdn in zone. Must be idempotent for the
	// same (fqdn, value).
	AddTXT(ctx context.Context, zone, fqdn, value string, ttl int) error
	// RemoveTXT withdraws value at fqdn. Removal of a record that is
	// already gone is not an error.
	RemoveTXT(ctx context.Context, zone, fqdn, value string) error
	// Nameservers returns the authoritative nameservers to poll for
	// propagation, host:port. Empty means the caller should discover them
	// itself.
	Nameservers(ctx context.Context, zone string) ([]string, error)
}

// New builds the driver named by kind from its opaque credentials map.
func New(kind string, credentials map[string]string) (Provider, error) {
	switch kind {
	case "rfc2136":
		return newRFC2136(credentials)
	case "cloudflare":
		return newCloudflare(credentials)
	case "acmedns":
		return newAcmeDNS(credentials)
	case "exec":
		return newExec(credentials)
	default:
		return nil, fmt.Errorf("%q: %w", kind, ErrUnknownDriver)
	}
}

func credential(credentials map[string]string, key string) (string, error) {
	val, ok := credentials[key]
	if !ok || val == "" {
		return "", fmt.Errorf("%s: %w", key, ErrMissingCredential)
	}
	return val, nil
}
