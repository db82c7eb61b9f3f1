package scheduler

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/certcentral/certcentral/acme_client"
	"github.com/certcentral/certcentral/certcrypto"
	"github.com/certcentral/certcentral/config"
	"github.com/juju/clock"
)

// accountManager owns the long-lived ACME account state: one key pair per
// account id, loaded once and never mutated outside an explicit rotation,
// and one registered client per account, created on first need.
type accountManager struct {
	mu      sync.Mutex
	cfgs    map[string]*config.AccountConfig
	keys    map[string]crypto.Signer
	clients map[string]*acme_client.Client
	clk     clock.Clock
}

func newAccountManager(cfgs map[string]*config.AccountConfig, clk clock.Clock) *accountManager {
	return &accountManager{
		cfgs:    cfgs,
		keys:    map[string]crypto.Signer{},
		clients: map[string]*acme_client.Client{},
		clk:     clk,
	}
}

// key returns the account's signer, loading it from disk or generating and
// persisting a fresh one on first use.
func (m *accountManager) key(id string) (crypto.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyLocked(id)
}

func (m *accountManager) keyLocked(id string) (crypto.Signer, error) {
	if key, ok := m.keys[id]; ok {
		return key, nil
	}
	cfg, ok := m.cfgs[id]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", id)
	}

	pemBytes, err := os.ReadFile(cfg.KeyPath)
	if os.IsNotExist(err) {
		key, genErr := certcrypto.GenerateKey(certcrypto.ECP256)
		if genErr != nil {
			return nil, genErr
		}
		if err := persistKey(cfg.KeyPath, key); err != nil {
			return nil, err
		}
		logger.Info().Str("account", id).Str("path", cfg.KeyPath).Msg("generated new account key")
		m.keys[id] = key
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading account key: %w", err)
	}

	key, err := certcrypto.ParseKeyPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", id, err)
	}
	m.keys[id] = key
	return key, nil
}

// client returns a registered ACME client for the account, performing
// directory load and account registration on first call. NewAccount is
// idempotent on the CA side, so races between first orders are harmless.
func (m *accountManager) client(ctx context.Context, id string) (*acme_client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.clients[id]; ok {
		return client, nil
	}

	cfg, ok := m.cfgs[id]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", id)
	}
	key, err := m.keyLocked(id)
	if err != nil {
		return nil, err
	}

	opts := []acme_client.Option{acme_client.WithClock(m.clk)}
	if cfg.EABKID != "" {
		hmacKey, err := acme_client.DecodeHMACKey(cfg.EABHMACKey)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", id, err)
		}
		opts = append(opts, acme_client.WithEAB(cfg.EABKID, hmacKey))
	}

	client, err := acme_client.New(ctx, cfg.Directory, key, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating acme client for account %s: %w", id, err)
	}
	if _, err := client.NewAccount(ctx, cfg.Contact); err != nil {
		return nil, fmt.Errorf("error registering account %s: %w", id, err)
	}
	m.clients[id] = client
	return client, nil
}

// rotate performs the RFC 8555 key rollover for an account and persists
// the replacement key. The new key is of the same kind as the old one.
func (m *accountManager) rotate(ctx context.Context, id string) error {
	client, err := m.client(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	oldKey := m.keys[id]
	cfg := m.cfgs[id]
	m.mu.Unlock()

	newKey, err := certcrypto.GenerateKey(keyKindOf(oldKey))
	if err != nil {
		return err
	}
	if err := client.RotateKey(ctx, newKey); err != nil {
		return err
	}
	// the CA no longer accepts the old key, persist before anything else
	// signs
	if err := persistKey(cfg.KeyPath, newKey); err != nil {
		return fmt.Errorf("key rotated at CA but not persisted, manual recovery needed: %w", err)
	}

	m.mu.Lock()
	m.keys[id] = newKey
	m.mu.Unlock()
	return nil
}

func keyKindOf(key crypto.Signer) certcrypto.KeyType {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch {
		case k.N.BitLen() >= 4096:
			return certcrypto.RSA4096
		case k.N.BitLen() >= 3072:
			return certcrypto.RSA3072
		default:
			return certcrypto.RSA2048
		}
	case *ecdsa.PrivateKey:
		if k.Curve == elliptic.P384() {
			return certcrypto.ECP384
		}
		return certcrypto.ECP256
	default:
		return certcrypto.ECP256
	}
}

// persistKey writes a private key 0600 via a temp file and rename, so a
// crash never leaves a truncated key behind.
func persistKey(path string, key crypto.Signer) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("error creating key dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return fmt.Errorf("error creating temp key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("error setting key mode: %w", err)
	}
	if _, err := tmp.Write(certcrypto.KeyPEM(key)); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("error syncing key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error renaming key into place: %w", err)
	}
	return nil
}
