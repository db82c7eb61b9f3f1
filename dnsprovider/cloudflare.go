package dnsprovider

import (
	"context"
	"fmt"

	"github.com/cloudflare/cloudflare-go"
)

// cloudflareProvider manages TXT records through the Cloudflare v4 API.
// Credentials: api_token (scoped to DNS edit on the relevant zones).
type cloudflareProvider struct {
	api *cloudflare.API
}

func newCloudflare(credentials map[string]string) (*cloudflareProvider, error) {
	token, err := credential(credentials, "api_token")
	if err != nil {
		return nil, err
	}
	api, err := cloudflare.NewWithAPIToken(token)
	if err != nil {
		return nil, fmt.Errorf("error in cloudflare.NewWithAPIToken: %w", err)
	}
	return &cloudflareProvider{api: api}, nil
}

func (p *cloudflareProvider) AddTXT(ctx context.Context, zone, fqdn, value string, ttl int) error {
	zoneID, err := p.api.ZoneIDByName(zone)
	if err != nil {
		return fmt.Errorf("error resolving zone %s: %w", zone, err)
	}

	// the same record may survive an interrupted earlier attempt
	existing, _, err := p.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.ListDNSRecordsParams{
		Type:    "TXT",
		Name:    fqdn,
		Content: value,
	})
	if err != nil {
		return fmt.Errorf("error listing TXT records: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	_, err = p.api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.CreateDNSRecordParams{
		Type:    "TXT",
		Name:    fqdn,
		Content: value,
		TTL:     ttl,
	})
	if err != nil {
		return fmt.Errorf("error creating TXT record: %w", err)
	}
	return nil
}

func (p *cloudflareProvider) RemoveTXT(ctx context.Context, zone, fqdn, value string) error {
	zoneID, err := p.api.ZoneIDByName(zone)
	if err != nil {
		return fmt.Errorf("error resolving zone %s: %w", zone, err)
	}
	records, _, err := p.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.ListDNSRecordsParams{
		Type:    "TXT",
		Name:    fqdn,
		Content: value,
	})
	if err != nil {
		return fmt.Errorf("error listing TXT records: %w", err)
	}
	for _, record := range records {
		if err := p.api.DeleteDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), record.ID); err != nil {
			return fmt.Errorf("error deleting TXT record %s: %w", record.ID, err)
		}
	}
	return nil
}

// Nameservers defers to live NS discovery: Cloudflare assigns nameservers
// per zone and the caller can look them up like any resolver would.
func (p *cloudflareProvider) Nameservers(ctx context.Context, zone string) ([]string, error) {
	return nil, nil
}
