package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/certcentral/certcentral/certcrypto"
	"github.com/certcentral/certcentral/utils"
	"github.com/gobwas/glob"
	"golang.org/x/net/idna"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("invalid config")

	// hostnames: * must not cross label boundaries, ** may
	globSeparators = []rune{'.'}
)

const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"

	DefaultWorkers          = 4
	DefaultRenewalRatio     = 2.0 / 3.0
	DefaultBackoffBase      = 30 * time.Second
	DefaultBackoffCap       = time.Hour
	DefaultConcurrentOrders = 4
	DefaultShutdownGrace    = 30 * time.Second
	DefaultArchiveKeep      = 5
	DefaultPropagation      = 2 * time.Minute
)

type (
	Config struct {
		Accounts     map[string]*AccountConfig     `yaml:"accounts"`
		Challenges   ChallengesConfig              `yaml:"challenges"`
		Certificates map[string]*CertificateConfig `yaml:"certificates"`
		Scheduler    SchedulerConfig               `yaml:"scheduler"`
		Store        StoreConfig                   `yaml:"store"`
	}

	AccountConfig struct {
		Directory string   `yaml:"directory"`
		Contact   []string `yaml:"contact"`
		// KeyPath may be absolute, or relative to store.base_path. Empty
		// means <base_path>/accounts/<id>/key.pem; a missing key file is
		// generated on first start.
		KeyPath string `yaml:"key_path"`
		// External account binding, required by some CAs (e.g. ZeroSSL)
		EABKID     string `yaml:"eab_kid"`
		EABHMACKey string `yaml:"eab_hmac_key"`
	}

	ChallengesConfig struct {
		HTTP01 *HTTP01Config `yaml:"http01"`
		DNS01  *DNS01Config  `yaml:"dns01"`
	}

	HTTP01Config struct {
		// ChallengesDir is the well-known directory edge servers expose or
		// proxy for /.well-known/acme-challenge/
		ChallengesDir string   `yaml:"challenges_dir"`
		SelfCheckURLs []string `yaml:"self_check_urls"`
	}

	DNS01Config struct {
		Providers          map[string]*ProviderConfig `yaml:"providers"`
		PropagationTimeout Duration                   `yaml:"propagation_timeout"`
	}

	ProviderConfig struct {
		Driver      string            `yaml:"driver"`
		Credentials map[string]string `yaml:"credentials"`
		Zones       []string          `yaml:"zones"`
	}

	CertificateConfig struct {
		CN          string   `yaml:"CN"`
		SAN         []string `yaml:"SAN"`
		KeyType     string   `yaml:"key_type"`
		Challenge   string   `yaml:"challenge"`
		Account     string   `yaml:"account"`
		Staging     bool     `yaml:"staging"`
		StagingTime Duration `yaml:"staging_time"`
		// Hosts the distribution API may hand this material to, as glob
		// patterns. Empty means no host is authorized.
		AuthorizedHosts []string `yaml:"authorized_hosts"`

		hostGlobs []glob.Glob
	}

	SchedulerConfig struct {
		Workers          int      `yaml:"workers"`
		RenewalRatio     float64  `yaml:"renewal_ratio"`
		BackoffBase      Duration `yaml:"backoff_base"`
		BackoffCap       Duration `yaml:"backoff_cap"`
		ConcurrentOrders int      `yaml:"concurrent_orders"`
		ShutdownGrace    Duration `yaml:"shutdown_grace"`
	}

	StoreConfig struct {
		BasePath    string `yaml:"base_path"`
		ArchiveKeep int    `yaml:"archive_keep"`
	}
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("error parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads, strictly decodes, defaults and validates a config file.
// Unknown keys are a hard failure.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("error decoding %s: %s: %w", path, err, ErrInvalidConfig)
	}

	if utils.Env_StateDir != "" {
		cfg.Store.BasePath = utils.Env_StateDir
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in every optional knob. Load calls it before
// Validate; callers building a Config in code should do the same.
func (c *Config) ApplyDefaults() {
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = DefaultWorkers
	}
	if c.Scheduler.RenewalRatio == 0 {
		c.Scheduler.RenewalRatio = DefaultRenewalRatio
	}
	if c.Scheduler.BackoffBase == 0 {
		c.Scheduler.BackoffBase = Duration(DefaultBackoffBase)
	}
	if c.Scheduler.BackoffCap == 0 {
		c.Scheduler.BackoffCap = Duration(DefaultBackoffCap)
	}
	if c.Scheduler.ConcurrentOrders == 0 {
		c.Scheduler.ConcurrentOrders = DefaultConcurrentOrders
	}
	if c.Scheduler.ShutdownGrace == 0 {
		c.Scheduler.ShutdownGrace = Duration(DefaultShutdownGrace)
	}
	if c.Store.ArchiveKeep == 0 {
		c.Store.ArchiveKeep = DefaultArchiveKeep
	}
	if c.Challenges.DNS01 != nil && c.Challenges.DNS01.PropagationTimeout == 0 {
		c.Challenges.DNS01.PropagationTimeout = Duration(DefaultPropagation)
	}
	for _, cert := range c.Certificates {
		if cert.KeyType == "" {
			cert.KeyType = string(certcrypto.ECP256)
		}
	}
	for id, acct := range c.Accounts {
		if acct.KeyPath == "" {
			acct.KeyPath = filepath.Join("accounts", id, "key.pem")
		}
		if !filepath.IsAbs(acct.KeyPath) {
			acct.KeyPath = filepath.Join(c.Store.BasePath, acct.KeyPath)
		}
	}
}

func (c *Config) Validate() error {
	if c.Store.BasePath == "" {
		return fmt.Errorf("store.base_path is required: %w", ErrInvalidConfig)
	}
	if c.Scheduler.RenewalRatio <= 0 || c.Scheduler.RenewalRatio >= 1 {
		return fmt.Errorf("scheduler.renewal_ratio must be in (0, 1): %w", ErrInvalidConfig)
	}

	for id, acct := range c.Accounts {
		if acct.Directory == "" {
			return fmt.Errorf("account %s: directory is required: %w", id, ErrInvalidConfig)
		}
		if (acct.EABKID == "") != (acct.EABHMACKey == "") {
			return fmt.Errorf("account %s: eab_kid and eab_hmac_key must be set together: %w", id, ErrInvalidConfig)
		}
	}

	if c.Challenges.DNS01 != nil {
		for id, p := range c.Challenges.DNS01.Providers {
			if p.Driver == "" {
				return fmt.Errorf("dns01 provider %s: driver is required: %w", id, ErrInvalidConfig)
			}
			if len(p.Zones) == 0 {
				return fmt.Errorf("dns01 provider %s: at least one zone is required: %w", id, ErrInvalidConfig)
			}
			for i, z := range p.Zones {
				zone, err := SanitizeName(z)
				if err != nil {
					return fmt.Errorf("dns01 provider %s: zone %q: %s: %w", id, z, err, ErrInvalidConfig)
				}
				p.Zones[i] = zone
			}
		}
	}

	for name, cert := range c.Certificates {
		if err := c.validateCertificate(name, cert); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateCertificate(name string, cert *CertificateConfig) error {
	if cert.CN == "" {
		return fmt.Errorf("certificate %s: CN is required: %w", name, ErrInvalidConfig)
	}
	cn, err := SanitizeName(cert.CN)
	if err != nil {
		return fmt.Errorf("certificate %s: CN %q: %s: %w", name, cert.CN, err, ErrInvalidConfig)
	}
	cert.CN = cn
	for i, san := range cert.SAN {
		s, err := SanitizeName(san)
		if err != nil {
			return fmt.Errorf("certificate %s: SAN %q: %s: %w", name, san, err, ErrInvalidConfig)
		}
		cert.SAN[i] = s
	}

	if _, err := certcrypto.ParseKeyType(cert.KeyType); err != nil {
		return fmt.Errorf("certificate %s: %s: %w", name, err, ErrInvalidConfig)
	}
	if _, ok := c.Accounts[cert.Account]; !ok {
		return fmt.Errorf("certificate %s: unknown account %q: %w", name, cert.Account, ErrInvalidConfig)
	}

	switch cert.Challenge {
	case ChallengeHTTP01:
		if c.Challenges.HTTP01 == nil || c.Challenges.HTTP01.ChallengesDir == "" {
			return fmt.Errorf("certificate %s: http-01 requires challenges.http01.challenges_dir: %w", name, ErrInvalidConfig)
		}
		for _, n := range cert.Names() {
			if strings.HasPrefix(n, "*.") {
				return fmt.Errorf("certificate %s: wildcard name %s needs dns-01: %w", name, n, ErrInvalidConfig)
			}
		}
	case ChallengeDNS01:
		if c.Challenges.DNS01 == nil || len(c.Challenges.DNS01.Providers) == 0 {
			return fmt.Errorf("certificate %s: dns-01 requires challenges.dns01.providers: %w", name, ErrInvalidConfig)
		}
		for _, n := range cert.Names() {
			if _, _, ok := c.Challenges.DNS01.ZoneForName(n); !ok {
				return fmt.Errorf("certificate %s: no dns01 provider zone covers %s: %w", name, n, ErrInvalidConfig)
			}
		}
	default:
		return fmt.Errorf("certificate %s: unknown challenge %q: %w", name, cert.Challenge, ErrInvalidConfig)
	}

	cert.hostGlobs = cert.hostGlobs[:0]
	for _, pattern := range cert.AuthorizedHosts {
		g, err := glob.Compile(pattern, globSeparators...)
		if err != nil {
			return fmt.Errorf("certificate %s: authorized host pattern %q: %s: %w", name, pattern, err, ErrInvalidConfig)
		}
		cert.hostGlobs = append(cert.hostGlobs, g)
	}
	return nil
}

// Names returns the full SAN set (CN included), sorted and deduplicated.
func (cc *CertificateConfig) Names() []string {
	return certcrypto.SortedNames(append([]string{cc.CN}, cc.SAN...))
}

// AuthorizedFor reports whether a host may be handed this certificate's
// material. Only meaningful after Validate has compiled the patterns.
func (cc *CertificateConfig) AuthorizedFor(host string) bool {
	for _, g := range cc.hostGlobs {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// ZoneForName picks the provider owning the longest zone suffix of name.
func (d *DNS01Config) ZoneForName(name string) (providerID, zone string, ok bool) {
	name = strings.TrimPrefix(name, "*.")
	for id, p := range d.Providers {
		for _, z := range p.Zones {
			if name != z && !strings.HasSuffix(name, "."+z) {
				continue
			}
			if len(z) > len(zone) {
				providerID, zone, ok = id, z, true
			}
		}
	}
	return providerID, zone, ok
}

// SanitizeName lowercases and punycodes a DNS name, preserving a leading
// wildcard label.
func SanitizeName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	wildcard := strings.HasPrefix(name, "*.")
	if wildcard {
		name = strings.TrimPrefix(name, "*.")
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("error in idna.ToASCII: %w", err)
	}
	if wildcard {
		return "*." + ascii, nil
	}
	return ascii, nil
}
