package challenges

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/certcentral/certcentral/dnsprovider"
	"github.com/certcentral/certcentral/internal"
	"github.com/juju/clock"
	"github.com/miekg/dns"
)

const (
	txtTTL              = 120
	propagationInterval = 2 * time.Second
	cleanupRetryDelay   = 30 * time.Second
)

// Bound is a DNS provider together with the zones configuration assigned
// to it.
type Bound struct {
	ID       string
	Zones    []string
	Provider dnsprovider.Provider
}

// DNS01Solver computes the TXT value for a challenge, places it via the
// provider owning the longest matching zone suffix, and confirms
// propagation on every authoritative nameserver before returning.
type DNS01Solver struct {
	Providers          []Bound
	PropagationTimeout time.Duration
	Clock              clock.Clock

	// overridable for tests
	lookupNS    func(ctx context.Context, zone string) ([]string, error)
	queryTXT    func(ctx context.Context, nameserver, fqdn string) ([]string, error)
	lookupCNAME func(ctx context.Context, fqdn string) (string, error)
}

func NewDNS01Solver(providers []Bound, propagationTimeout time.Duration) *DNS01Solver {
	return &DNS01Solver{
		Providers:          providers,
		PropagationTimeout: propagationTimeout,
		Clock:              clock.WallClock,
		lookupNS:           resolveNS,
		queryTXT:           resolveTXT,
		lookupCNAME:        resolveCNAME,
	}
}

// TXTValue is the dns-01 record content: base64url(sha256(keyAuth)).
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-8.4
func TXTValue(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ChallengeFQDN is where the TXT record lives for an identifier, wildcard
// label stripped first.
func ChallengeFQDN(identifier string) string {
	return "_acme-challenge." + strings.TrimPrefix(identifier, "*.")
}

func (s *DNS01Solver) Present(ctx context.Context, ch Challenge) error {
	bound, zone, err := s.providerFor(ch.Identifier)
	if err != nil {
		return err
	}
	fqdn := ChallengeFQDN(ch.Identifier)
	value := TXTValue(ch.KeyAuthorization)

	if err := bound.Provider.AddTXT(ctx, zone, fqdn, value, txtTTL); err != nil {
		return fmt.Errorf("provider %s: %s: %w", bound.ID, err, ErrProvision)
	}
	internal.Metric_ChallengesPresented.WithLabelValues(ch.Type).Inc()
	logger.Debug().Str("identifier", ch.Identifier).Str("provider", bound.ID).Str("zone", zone).Msg("dns-01 TXT placed")

	return s.awaitPropagation(ctx, bound, zone, fqdn, value)
}

// CleanUp withdraws the record. Failures are logged and retried once in
// the background; they never surface to the caller.
func (s *DNS01Solver) CleanUp(ctx context.Context, ch Challenge) error {
	bound, zone, err := s.providerFor(ch.Identifier)
	if err != nil {
		return err
	}
	fqdn := ChallengeFQDN(ch.Identifier)
	value := TXTValue(ch.KeyAuthorization)

	if err := bound.Provider.RemoveTXT(ctx, zone, fqdn, value); err != nil {
		logger.Warn().Err(err).Str("identifier", ch.Identifier).Str("provider", bound.ID).Msg("dns-01 cleanup failed, retrying in background")
		go s.retryCleanup(bound, zone, fqdn, value)
	}
	return nil
}

func (s *DNS01Solver) retryCleanup(bound Bound, zone, fqdn, value string) {
	<-s.Clock.After(cleanupRetryDelay)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := bound.Provider.RemoveTXT(ctx, zone, fqdn, value); err != nil {
		logger.Error().Err(err).Str("fqdn", fqdn).Str("provider", bound.ID).Msg("dns-01 cleanup retry failed, record left behind")
	}
}

// providerFor picks the provider whose configured zone is the longest
// suffix of name.
func (s *DNS01Solver) providerFor(name string) (Bound, string, error) {
	name = strings.TrimPrefix(name, "*.")
	var (
		best     Bound
		bestZone string
		found    bool
	)
	for _, bound := range s.Providers {
		for _, zone := range bound.Zones {
			if name != zone && !strings.HasSuffix(name, "."+zone) {
				continue
			}
			if len(zone) > len(bestZone) {
				best, bestZone, found = bound, zone, true
			}
		}
	}
	if !found {
		return Bound{}, "", fmt.Errorf("%s: %w", name, ErrNoProviderForZone)
	}
	return best, bestZone, nil
}

// awaitPropagation polls every authoritative nameserver until all of them
// serve the value, or the propagation deadline passes. A CNAME at the
// challenge name (acme-dns style delegation) is followed first, and its
// target is polled on the target zone's own nameservers: the parent zone
// never answers with the TXT record itself.
func (s *DNS01Solver) awaitPropagation(ctx context.Context, bound Bound, zone, fqdn, value string) error {
	target, err := s.followDelegation(ctx, fqdn)
	if err != nil {
		return fmt.Errorf("error following delegation for %s: %s: %w", fqdn, err, ErrProvision)
	}

	var nameservers []string
	if target != fqdn {
		logger.Debug().Str("fqdn", fqdn).Str("target", target).Msg("dns-01 challenge delegated via CNAME")
		nameservers, err = s.authoritativeNS(ctx, target)
	} else {
		nameservers, err = bound.Provider.Nameservers(ctx, zone)
		if err != nil || len(nameservers) == 0 {
			nameservers, err = s.lookupNS(ctx, zone)
		}
	}
	if err != nil {
		return fmt.Errorf("error discovering nameservers for %s: %s: %w", target, err, ErrProvision)
	}

	fqdn = target

	deadline := s.Clock.Now().Add(s.PropagationTimeout)
	for {
		if s.allServe(ctx, nameservers, fqdn, value) {
			return nil
		}
		if !s.Clock.Now().Add(propagationInterval).Before(deadline) {
			internal.Metric_DNSPropagationTimeouts.Inc()
			return fmt.Errorf("%s on %d nameservers: %w", fqdn, len(nameservers), ErrPropagationTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Clock.After(propagationInterval):
		}
	}
}

// followDelegation chases a CNAME chain starting at fqdn and returns the
// final name to poll. No CNAME returns fqdn unchanged.
func (s *DNS01Solver) followDelegation(ctx context.Context, fqdn string) (string, error) {
	const maxDepth = 8
	name := fqdn
	for i := 0; i < maxDepth; i++ {
		target, err := s.lookupCNAME(ctx, name)
		if err != nil {
			return "", err
		}
		if target == "" || target == name {
			return name, nil
		}
		name = target
	}
	return "", fmt.Errorf("CNAME chain at %s longer than %d", fqdn, maxDepth)
}

// authoritativeNS walks label by label up from name until an NS set answers.
func (s *DNS01Solver) authoritativeNS(ctx context.Context, name string) ([]string, error) {
	for candidate := name; strings.Contains(candidate, "."); candidate = candidate[strings.Index(candidate, ".")+1:] {
		nameservers, err := s.lookupNS(ctx, candidate)
		if err == nil && len(nameservers) > 0 {
			return nameservers, nil
		}
	}
	return nil, fmt.Errorf("no authoritative nameservers found above %s", name)
}

func (s *DNS01Solver) allServe(ctx context.Context, nameservers []string, fqdn, value string) bool {
	for _, nameserver := range nameservers {
		values, err := s.queryTXT(ctx, nameserver, fqdn)
		if err != nil {
			logger.Debug().Err(err).Str("ns", nameserver).Str("fqdn", fqdn).Msg("TXT query failed")
			return false
		}
		seen := false
		for _, v := range values {
			if v == value {
				seen = true
				break
			}
		}
		if !seen {
			return false
		}
	}
	return true
}

// localResolverAddr picks the first resolver from /etc/resolv.conf.
func localResolverAddr() (string, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("error reading resolv.conf: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", fmt.Errorf("no resolvers configured")
	}
	return conf.Servers[0] + ":" + conf.Port, nil
}

// resolveNS asks the local resolver for the NS set of a zone.
func resolveNS(ctx context.Context, zone string) ([]string, error) {
	resolver, err := localResolverAddr()
	if err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(zone), dns.TypeNS)
	client := &dns.Client{Timeout: 10 * time.Second}

	res, _, err := client.ExchangeContext(ctx, msg, resolver)
	if err != nil {
		return nil, fmt.Errorf("error in NS query: %w", err)
	}

	var nameservers []string
	for _, rr := range res.Answer {
		if ns, ok := rr.(*dns.NS); ok {
			nameservers = append(nameservers, strings.TrimSuffix(ns.Ns, ".")+":53")
		}
	}
	if len(nameservers) == 0 {
		return nil, fmt.Errorf("no NS records for %s", zone)
	}
	return nameservers, nil
}

// resolveTXT queries one nameserver directly for the TXT strings at fqdn.
func resolveTXT(ctx context.Context, nameserver, fqdn string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)
	client := &dns.Client{Timeout: 10 * time.Second}

	res, _, err := client.ExchangeContext(ctx, msg, nameserver)
	if err != nil {
		return nil, fmt.Errorf("error in TXT query: %w", err)
	}

	var values []string
	for _, rr := range res.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values, nil
}

// resolveCNAME returns the CNAME target of fqdn, or "" when the name is
// not an alias.
func resolveCNAME(ctx context.Context, fqdn string) (string, error) {
	resolver, err := localResolverAddr()
	if err != nil {
		return "", err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeCNAME)
	client := &dns.Client{Timeout: 10 * time.Second}

	res, _, err := client.ExchangeContext(ctx, msg, resolver)
	if err != nil {
		return "", fmt.Errorf("error in CNAME query: %w", err)
	}

	for _, rr := range res.Answer {
		if cname, ok := rr.(*dns.CNAME); ok {
			return strings.TrimSuffix(cname.Target, "."), nil
		}
	}
	return "", nil
}
