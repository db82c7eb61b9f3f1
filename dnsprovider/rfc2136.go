package dnsprovider

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// rfc2136Provider speaks RFC 2136 dynamic update, optionally TSIG-signed,
// against a single primary server. Credentials: server (host:port),
// tsig_key_name, tsig_secret (base64), tsig_algorithm (default
// hmac-sha256).
type rfc2136Provider struct {
	server   string
	keyName  string
	secret   string
	tsigAlgo string
}

var tsigAlgorithms = map[string]string{
	"hmac-sha1":   dns.HmacSHA1,
	"hmac-sha256": dns.HmacSHA256,
	"hmac-sha512": dns.HmacSHA512,
}

func newRFC2136(credentials map[string]string) (*rfc2136Provider, error) {
	server, err := credential(credentials, "server")
	if err != nil {
		return nil, err
	}
	p := &rfc2136Provider{
		server:   server,
		keyName:  credentials["tsig_key_name"],
		secret:   credentials["tsig_secret"],
		tsigAlgo: dns.HmacSHA256,
	}
	if algo := credentials["tsig_algorithm"]; algo != "" {
		resolved, ok := tsigAlgorithms[algo]
		if !ok {
			return nil, fmt.Errorf("tsig_algorithm %q: %w", algo, ErrMissingCredential)
		}
		p.tsigAlgo = resolved
	}
	if (p.keyName == "") != (p.secret == "") {
		return nil, fmt.Errorf("tsig_key_name and tsig_secret must be set together: %w", ErrMissingCredential)
	}
	return p, nil
}

func (p *rfc2136Provider) AddTXT(ctx context.Context, zone, fqdn, value string, ttl int) error {
	rr, err := dns.NewRR(fmt.Sprintf("%s %d IN TXT %q", dns.Fqdn(fqdn), ttl, value))
	if err != nil {
		return fmt.Errorf("error building TXT record: %w", err)
	}
	msg := new(dns.Msg)
	msg.SetUpdate(dns.Fqdn(zone))
	msg.Insert([]dns.RR{rr})
	return p.exchange(ctx, msg)
}

func (p *rfc2136Provider) RemoveTXT(ctx context.Context, zone, fqdn, value string) error {
	rr, err := dns.NewRR(fmt.Sprintf("%s 0 IN TXT %q", dns.Fqdn(fqdn), value))
	if err != nil {
		return fmt.Errorf("error building TXT record: %w", err)
	}
	msg := new(dns.Msg)
	msg.SetUpdate(dns.Fqdn(zone))
	msg.Remove([]dns.RR{rr})
	return p.exchange(ctx, msg)
}

// Nameservers returns the update target: the primary is authoritative and
// sees the record first, so propagation polling happens against it.
func (p *rfc2136Provider) Nameservers(ctx context.Context, zone string) ([]string, error) {
	return []string{p.server}, nil
}

func (p *rfc2136Provider) exchange(ctx context.Context, msg *dns.Msg) error {
	client := &dns.Client{Net: "tcp", Timeout: 10 * time.Second}
	if p.keyName != "" {
		keyName := dns.Fqdn(p.keyName)
		msg.SetTsig(keyName, p.tsigAlgo, 300, time.Now().Unix())
		client.TsigSecret = map[string]string{keyName: p.secret}
	}

	res, _, err := client.ExchangeContext(ctx, msg, p.server)
	if err != nil {
		return fmt.Errorf("error in dns update exchange with %s: %w", p.server, err)
	}
	if res.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("dns update rejected by %s: %s", p.server, dns.RcodeToString[res.Rcode])
	}
	return nil
}
