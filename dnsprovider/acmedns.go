package dnsprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cpu/goacmedns"
)

// acmeDNSProvider plays dns-01 through an acme-dns instance: the operator
// CNAMEs _acme-challenge.<name> to a subdomain acme-dns controls, so the
// record never touches the real zone. Credentials: base_url, storage_path
// (per-domain account registrations, JSON).
type acmeDNSProvider struct {
	client  goacmedns.Client
	storage goacmedns.Storage

	mu sync.Mutex
}

func newAcmeDNS(credentials map[string]string) (*acmeDNSProvider, error) {
	baseURL, err := credential(credentials, "base_url")
	if err != nil {
		return nil, err
	}
	storagePath, err := credential(credentials, "storage_path")
	if err != nil {
		return nil, err
	}
	return &acmeDNSProvider{
		client:  goacmedns.NewClient(baseURL),
		storage: goacmedns.NewFileStorage(storagePath, 0600),
	}, nil
}

func (p *acmeDNSProvider) AddTXT(ctx context.Context, zone, fqdn, value string, ttl int) error {
	domain := strings.TrimSuffix(strings.TrimPrefix(fqdn, "_acme-challenge."), ".")

	p.mu.Lock()
	defer p.mu.Unlock()

	account, err := p.storage.Fetch(domain)
	if errors.Is(err, goacmedns.ErrDomainNotFound) {
		account, err = p.client.RegisterAccount(nil)
		if err != nil {
			return fmt.Errorf("error registering acme-dns account for %s: %w", domain, err)
		}
		if err := p.storage.Put(domain, account); err != nil {
			return fmt.Errorf("error storing acme-dns account for %s: %w", domain, err)
		}
		if err := p.storage.Save(); err != nil {
			return fmt.Errorf("error saving acme-dns storage: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("error fetching acme-dns account for %s: %w", domain, err)
	}

	if err := p.client.UpdateTXTRecord(account, value); err != nil {
		return fmt.Errorf("error updating acme-dns TXT record for %s: %w", domain, err)
	}
	return nil
}

// RemoveTXT is a no-op: acme-dns keeps only the last two values per
// account and rolls them automatically.
func (p *acmeDNSProvider) RemoveTXT(ctx context.Context, zone, fqdn, value string) error {
	return nil
}

// Nameservers defers to live discovery against the CNAME target.
func (p *acmeDNSProvider) Nameservers(ctx context.Context, zone string) ([]string, error) {
	return nil, nil
}
