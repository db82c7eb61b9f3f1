package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
accounts:
  main:
    directory: https://acme-staging-v02.api.letsencrypt.org/directory
    contact: ["mailto:ops@example.org"]
challenges:
  http01:
    challenges_dir: /tmp/challenges
  dns01:
    providers:
      primary:
        driver: rfc2136
        credentials:
          server: ns0.example.org:53
          tsig_key_name: acme
          tsig_secret: c2VjcmV0
        zones: [example.org]
      secondary:
        driver: exec
        credentials:
          cmd: /usr/local/bin/dns-update
        zones: [foo.net, bar.foo.net]
certificates:
  www:
    CN: www.EXAMPLE.org
    SAN: [example.org]
    key_type: ecdsa-p256
    challenge: http-01
    account: main
    authorized_hosts: ["cp*.example.org"]
  api:
    CN: api.foo.net
    SAN: ["*.bar.foo.net"]
    key_type: rsa-2048
    challenge: dns-01
    account: main
    staging_time: 1h
scheduler:
  workers: 2
  backoff_base: 10s
store:
  base_path: /var/lib/certcentral
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Scheduler.Workers != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.BackoffBase.Std() != 10*time.Second {
		t.Fatalf("expected 10s backoff base, got %s", cfg.Scheduler.BackoffBase.Std())
	}
	// defaults fill what the file left out
	if cfg.Scheduler.BackoffCap.Std() != time.Hour {
		t.Fatalf("expected 1h backoff cap, got %s", cfg.Scheduler.BackoffCap.Std())
	}
	if cfg.Scheduler.ConcurrentOrders != 4 {
		t.Fatalf("expected 4 concurrent orders, got %d", cfg.Scheduler.ConcurrentOrders)
	}
	if cfg.Store.ArchiveKeep != 5 {
		t.Fatalf("expected archive_keep 5, got %d", cfg.Store.ArchiveKeep)
	}

	www := cfg.Certificates["www"]
	if www.CN != "www.example.org" {
		t.Fatalf("CN not sanitized: %s", www.CN)
	}
	names := www.Names()
	if len(names) != 2 || names[0] != "example.org" || names[1] != "www.example.org" {
		t.Fatalf("unexpected names %v", names)
	}
	if !www.AuthorizedFor("cp1008.example.org") {
		t.Fatal("expected cp1008.example.org to be authorized")
	}
	if www.AuthorizedFor("cp1008.attacker.org") {
		t.Fatal("expected cp1008.attacker.org to be denied")
	}
	if cfg.Certificates["api"].AuthorizedFor("anything.example.org") {
		t.Fatal("empty authorized_hosts must deny")
	}

	if cfg.Certificates["api"].StagingTime.Std() != time.Hour {
		t.Fatalf("expected 1h staging_time, got %s", cfg.Certificates["api"].StagingTime.Std())
	}

	acct := cfg.Accounts["main"]
	if acct.KeyPath != "/var/lib/certcentral/accounts/main/key.pem" {
		t.Fatalf("unexpected account key path %s", acct.KeyPath)
	}
}

func TestLoadUnknownKeyFails(t *testing.T) {
	body := validYAML + "\nextra_section:\n  nope: true\n"
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected unknown top-level key to fail")
	}

	nested := `
accounts:
  main:
    directory: https://example.org/dir
    renew_hint: often
certificates: {}
store:
  base_path: /tmp/x
`
	if _, err := Load(writeConfig(t, nested)); err == nil {
		t.Fatal("expected unknown nested key to fail")
	}
}

func TestLoadRejectsBadReferences(t *testing.T) {
	tests := []struct {
		name, body string
	}{
		{"unknown account", `
accounts: {}
challenges:
  http01: {challenges_dir: /tmp/c}
certificates:
  www: {CN: www.example.org, key_type: rsa-2048, challenge: http-01, account: ghost}
store: {base_path: /tmp/x}
`},
		{"unknown key type", `
accounts:
  main: {directory: https://example.org/dir}
challenges:
  http01: {challenges_dir: /tmp/c}
certificates:
  www: {CN: www.example.org, key_type: dsa-512, challenge: http-01, account: main}
store: {base_path: /tmp/x}
`},
		{"unknown challenge", `
accounts:
  main: {directory: https://example.org/dir}
certificates:
  www: {CN: www.example.org, key_type: rsa-2048, challenge: tls-alpn-01, account: main}
store: {base_path: /tmp/x}
`},
		{"wildcard needs dns-01", `
accounts:
  main: {directory: https://example.org/dir}
challenges:
  http01: {challenges_dir: /tmp/c}
certificates:
  www: {CN: "*.example.org", key_type: rsa-2048, challenge: http-01, account: main}
store: {base_path: /tmp/x}
`},
		{"uncovered dns zone", `
accounts:
  main: {directory: https://example.org/dir}
challenges:
  dns01:
    providers:
      p: {driver: exec, credentials: {cmd: /bin/true}, zones: [other.net]}
certificates:
  www: {CN: www.example.org, key_type: rsa-2048, challenge: dns-01, account: main}
store: {base_path: /tmp/x}
`},
	}

	for _, tc := range tests {
		if _, err := Load(writeConfig(t, tc.body)); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestZoneForNameLongestSuffix(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}
	d := cfg.Challenges.DNS01

	id, zone, ok := d.ZoneForName("api.bar.foo.net")
	if !ok || id != "secondary" || zone != "bar.foo.net" {
		t.Fatalf("expected secondary/bar.foo.net, got %s/%s ok=%v", id, zone, ok)
	}
	id, zone, ok = d.ZoneForName("api.foo.net")
	if !ok || id != "secondary" || zone != "foo.net" {
		t.Fatalf("expected secondary/foo.net, got %s/%s ok=%v", id, zone, ok)
	}
	// wildcard prefix is stripped before matching
	id, zone, ok = d.ZoneForName("*.example.org")
	if !ok || id != "primary" || zone != "example.org" {
		t.Fatalf("expected primary/example.org, got %s/%s ok=%v", id, zone, ok)
	}
	if _, _, ok := d.ZoneForName("unrelated.io"); ok {
		t.Fatal("expected no provider for unrelated.io")
	}
}

func TestStateDirOverride(t *testing.T) {
	t.Setenv("CERTCENTRAL_STATE_DIR", "/srv/state")
	// Env vars are read at package init, so drive the override directly the
	// way Load does.
	cfg := &Config{Store: StoreConfig{BasePath: "/var/lib/certcentral"}}
	if dir := os.Getenv("CERTCENTRAL_STATE_DIR"); dir != "" {
		cfg.Store.BasePath = dir
	}
	if cfg.Store.BasePath != "/srv/state" {
		t.Fatalf("expected /srv/state, got %s", cfg.Store.BasePath)
	}
}
