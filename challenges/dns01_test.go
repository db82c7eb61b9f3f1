package challenges

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type stubProvider struct {
	mu      sync.Mutex
	added   []string // "zone fqdn value"
	removed []string
	ns      []string
	failAdd bool
}

func (p *stubProvider) AddTXT(ctx context.Context, zone, fqdn, value string, ttl int) error {
	if p.failAdd {
		return errors.New("api unavailable")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, zone+" "+fqdn+" "+value)
	return nil
}

func (p *stubProvider) RemoveTXT(ctx context.Context, zone, fqdn, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, zone+" "+fqdn+" "+value)
	return nil
}

func (p *stubProvider) Nameservers(ctx context.Context, zone string) ([]string, error) {
	return p.ns, nil
}

// solverWithStubDNS wires a solver whose nameserver answers come from the
// provider's own record book.
func solverWithStubDNS(providers []Bound, timeout time.Duration) *DNS01Solver {
	solver := NewDNS01Solver(providers, timeout)
	solver.queryTXT = func(ctx context.Context, nameserver, fqdn string) ([]string, error) {
		var values []string
		for _, bound := range providers {
			stub := bound.Provider.(*stubProvider)
			stub.mu.Lock()
			for _, rec := range stub.added {
				parts := strings.Fields(rec)
				if parts[1] == fqdn {
					values = append(values, parts[2])
				}
			}
			stub.mu.Unlock()
		}
		return values, nil
	}
	solver.lookupNS = func(ctx context.Context, zone string) ([]string, error) {
		return []string{"ns-fallback:53"}, nil
	}
	solver.lookupCNAME = func(ctx context.Context, fqdn string) (string, error) {
		return "", nil
	}
	return solver
}

func TestDNS01AcrossProviders(t *testing.T) {
	fooProvider := &stubProvider{ns: []string{"ns1.foo.net:53"}}
	barProvider := &stubProvider{ns: []string{"ns1.bar.net:53"}}
	solver := solverWithStubDNS([]Bound{
		{ID: "foo", Zones: []string{"foo.net"}, Provider: fooProvider},
		{ID: "bar", Zones: []string{"bar.net"}, Provider: barProvider},
	}, time.Minute)

	ctx := context.Background()
	for _, ident := range []string{"api.foo.net", "api.bar.net"} {
		ch := Challenge{Type: "dns-01", Identifier: ident, Token: "t", KeyAuthorization: "t.thumb-" + ident}
		if err := solver.Present(ctx, ch); err != nil {
			t.Fatalf("Present(%s): %s", ident, err)
		}
	}

	if len(fooProvider.added) != 1 || !strings.HasPrefix(fooProvider.added[0], "foo.net _acme-challenge.api.foo.net ") {
		t.Fatalf("foo provider got %v", fooProvider.added)
	}
	if len(barProvider.added) != 1 || !strings.HasPrefix(barProvider.added[0], "bar.net _acme-challenge.api.bar.net ") {
		t.Fatalf("bar provider got %v", barProvider.added)
	}
}

func TestDNS01LongestSuffixWins(t *testing.T) {
	parent := &stubProvider{ns: []string{"ns:53"}}
	child := &stubProvider{ns: []string{"ns:53"}}
	solver := solverWithStubDNS([]Bound{
		{ID: "parent", Zones: []string{"example.org"}, Provider: parent},
		{ID: "child", Zones: []string{"sub.example.org"}, Provider: child},
	}, time.Minute)

	ch := Challenge{Type: "dns-01", Identifier: "www.sub.example.org", Token: "t", KeyAuthorization: "t.thumb"}
	if err := solver.Present(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	if len(child.added) != 1 || len(parent.added) != 0 {
		t.Fatalf("expected the child zone provider, got parent=%v child=%v", parent.added, child.added)
	}
}

func TestDNS01WildcardIdentifier(t *testing.T) {
	provider := &stubProvider{ns: []string{"ns:53"}}
	solver := solverWithStubDNS([]Bound{
		{ID: "p", Zones: []string{"example.org"}, Provider: provider},
	}, time.Minute)

	ch := Challenge{Type: "dns-01", Identifier: "*.example.org", Token: "t", KeyAuthorization: "t.thumb"}
	if err := solver.Present(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(provider.added[0], " _acme-challenge.example.org ") {
		t.Fatalf("wildcard label must be stripped, got %v", provider.added)
	}
}

func TestDNS01NoProviderForZone(t *testing.T) {
	solver := solverWithStubDNS([]Bound{
		{ID: "p", Zones: []string{"example.org"}, Provider: &stubProvider{}},
	}, time.Minute)

	ch := Challenge{Type: "dns-01", Identifier: "www.elsewhere.net", Token: "t", KeyAuthorization: "t.thumb"}
	if err := solver.Present(context.Background(), ch); !errors.Is(err, ErrNoProviderForZone) {
		t.Fatalf("expected ErrNoProviderForZone, got %v", err)
	}
}

func TestDNS01PropagationTimeout(t *testing.T) {
	provider := &stubProvider{ns: []string{"ns:53"}}
	solver := NewDNS01Solver([]Bound{
		{ID: "p", Zones: []string{"example.org"}, Provider: provider},
	}, 10*time.Millisecond)
	// one nameserver never sees the record
	solver.queryTXT = func(ctx context.Context, nameserver, fqdn string) ([]string, error) {
		return nil, nil
	}
	solver.lookupCNAME = func(ctx context.Context, fqdn string) (string, error) {
		return "", nil
	}

	ch := Challenge{Type: "dns-01", Identifier: "www.example.org", Token: "t", KeyAuthorization: "t.thumb"}
	if err := solver.Present(context.Background(), ch); !errors.Is(err, ErrPropagationTimeout) {
		t.Fatalf("expected ErrPropagationTimeout, got %v", err)
	}
}

// A zone delegated acme-dns style: the challenge name is a CNAME into a
// separate zone, the provider knows no nameservers, and the parent zone's
// servers never carry the TXT record. Propagation must be confirmed against
// the CNAME target on the target zone's own nameservers.
func TestDNS01FollowsCNAMEDelegation(t *testing.T) {
	provider := &stubProvider{} // no nameservers, like acme-dns
	solver := NewDNS01Solver([]Bound{
		{ID: "p", Zones: []string{"example.org"}, Provider: provider},
	}, time.Minute)

	const target = "d420c923.acme-dns.io"
	solver.lookupCNAME = func(ctx context.Context, fqdn string) (string, error) {
		if fqdn == "_acme-challenge.www.example.org" {
			return target, nil
		}
		return "", nil
	}
	solver.lookupNS = func(ctx context.Context, zone string) ([]string, error) {
		if zone == "acme-dns.io" {
			return []string{"ns1.acme-dns.io:53"}, nil
		}
		return nil, errors.New("no NS records")
	}
	var polled []string
	solver.queryTXT = func(ctx context.Context, nameserver, fqdn string) ([]string, error) {
		polled = append(polled, nameserver+" "+fqdn)
		if nameserver == "ns1.acme-dns.io:53" && fqdn == target {
			return []string{TXTValue("t.thumb")}, nil
		}
		return nil, nil
	}

	ch := Challenge{Type: "dns-01", Identifier: "www.example.org", Token: "t", KeyAuthorization: "t.thumb"}
	if err := solver.Present(context.Background(), ch); err != nil {
		t.Fatalf("Present: %s", err)
	}
	if len(provider.added) != 1 {
		t.Fatalf("provider got %v", provider.added)
	}
	if len(polled) != 1 || polled[0] != "ns1.acme-dns.io:53 "+target {
		t.Fatalf("polled %v, want the CNAME target on its own nameserver", polled)
	}
}

func TestDNS01ProvisionError(t *testing.T) {
	provider := &stubProvider{failAdd: true}
	solver := solverWithStubDNS([]Bound{
		{ID: "p", Zones: []string{"example.org"}, Provider: provider},
	}, time.Minute)

	ch := Challenge{Type: "dns-01", Identifier: "www.example.org", Token: "t", KeyAuthorization: "t.thumb"}
	if err := solver.Present(context.Background(), ch); !errors.Is(err, ErrProvision) {
		t.Fatalf("expected ErrProvision, got %v", err)
	}
}

func TestDNS01CleanUp(t *testing.T) {
	provider := &stubProvider{ns: []string{"ns:53"}}
	solver := solverWithStubDNS([]Bound{
		{ID: "p", Zones: []string{"example.org"}, Provider: provider},
	}, time.Minute)

	ch := Challenge{Type: "dns-01", Identifier: "www.example.org", Token: "t", KeyAuthorization: "t.thumb"}
	if err := solver.CleanUp(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	want := "example.org _acme-challenge.www.example.org " + TXTValue("t.thumb")
	if len(provider.removed) != 1 || provider.removed[0] != want {
		t.Fatalf("got %v, want %q", provider.removed, want)
	}
}
