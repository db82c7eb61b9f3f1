// Package certstore owns the on-disk certificate layout the distribution
// API reads:
//
//	<base>/live/<name>/privkey.pem cert.pem chain.pem fullchain.pem meta.json
//	<base>/new/<name>/...      staging area during the atomic swap
//	<base>/archive/<name>/<serial>/  superseded versions
//
// The engine is the only writer. Readers are separate processes, so
// consistency comes from a meta-first protocol instead of locks: meta.json
// is read first and the PEM set is accepted only when its fingerprint
// matches the private key and its serial matches the leaf.
package certstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/certcentral/certcentral/certcrypto"
	"github.com/certcentral/certcentral/gologger"
	"github.com/certcentral/certcentral/internal"
)

var (
	ErrNotFound     = errors.New("no material for name")
	ErrInconsistent = errors.New("material set is inconsistent")

	storeLogger = gologger.NewLogger()
)

const (
	fileMode = 0640
	dirMode  = 0750
)

// Meta is the meta.json document, the first thing a reader consults.
type Meta struct {
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	Serial      string    `json:"serial"`
	Fingerprint string    `json:"fingerprint"`
	SAN         []string  `json:"san"`
	// SelfSigned marks the bootstrap placeholder so consumers can skip
	// advertising it. Absent on issued material.
	SelfSigned bool   `json:"self_signed,omitempty"`
	Staging    bool   `json:"staging,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
}

// Material is one complete set of files for a certificate name.
type Material struct {
	PrivateKeyPEM []byte
	CertPEM       []byte
	ChainPEM      []byte
	Meta          Meta
}

// FullChainPEM is the leaf followed by the intermediates.
func (m *Material) FullChainPEM() []byte {
	return append(append([]byte{}, m.CertPEM...), m.ChainPEM...)
}

// BuildMaterial assembles a Material from a private key and the PEM bundle
// a CA handed back (leaf first). The meta fields are derived from the
// leaf, never supplied by the caller, so they cannot drift from the PEMs.
func BuildMaterial(keyPEM, bundlePEM []byte, orderID string, selfSigned, staging bool) (*Material, error) {
	certs, err := certcrypto.ParseBundlePEM(bundlePEM)
	if err != nil {
		return nil, fmt.Errorf("error parsing bundle: %w", err)
	}
	leaf := certs[0]

	key, err := certcrypto.ParseKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("error parsing key: %w", err)
	}
	fingerprint, err := certcrypto.PublicKeyFingerprint(key.Public())
	if err != nil {
		return nil, err
	}

	material := &Material{
		PrivateKeyPEM: keyPEM,
		CertPEM:       certcrypto.CertPEM(leaf.Raw),
		Meta: Meta{
			NotBefore:   leaf.NotBefore,
			NotAfter:    leaf.NotAfter,
			Serial:      fmt.Sprintf("%x", leaf.SerialNumber),
			Fingerprint: fingerprint,
			SAN:         certcrypto.SortedNames(leaf.DNSNames),
			SelfSigned:  selfSigned,
			Staging:     staging,
			OrderID:     orderID,
		},
	}
	for _, intermediate := range certs[1:] {
		material.ChainPEM = append(material.ChainPEM, certcrypto.CertPEM(intermediate.Raw)...)
	}
	return material, nil
}

type Store struct {
	base        string
	archiveKeep int
}

// New roots a store at base and creates the live/new/archive skeleton. An
// unwritable base surfaces here so the daemon can exit early.
func New(base string, archiveKeep int) (*Store, error) {
	for _, sub := range []string{"live", "new", "archive", "accounts"} {
		if err := os.MkdirAll(filepath.Join(base, sub), dirMode); err != nil {
			return nil, fmt.Errorf("error creating %s dir: %w", sub, err)
		}
	}
	return &Store{base: base, archiveKeep: archiveKeep}, nil
}

func (s *Store) BasePath() string { return s.base }

func (s *Store) livePath(name string) string    { return filepath.Join(s.base, "live", name) }
func (s *Store) newPath(name string) string     { return filepath.Join(s.base, "new", name) }
func (s *Store) archivePath(name string) string { return filepath.Join(s.base, "archive", name) }

// Publish stages the material and promotes it to live in one call.
func (s *Store) Publish(name string, material *Material) error {
	if err := s.Stage(name, material); err != nil {
		return err
	}
	return s.Promote(name)
}

// Stage writes a complete material set under new/<name>, fsyncing every
// file and the directory. Live is untouched; a staged set can sit here
// through a staging_time window or a crash.
func (s *Store) Stage(name string, material *Material) error {
	dir := s.newPath(name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("error clearing staging dir: %w", err)
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("error creating staging dir: %w", err)
	}

	metaJSON, err := json.MarshalIndent(material.Meta, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling meta: %w", err)
	}
	files := map[string][]byte{
		"privkey.pem":   material.PrivateKeyPEM,
		"cert.pem":      material.CertPEM,
		"chain.pem":     material.ChainPEM,
		"fullchain.pem": material.FullChainPEM(),
		"meta.json":     metaJSON,
	}
	for fileName, body := range files {
		if err := writeFileSync(filepath.Join(dir, fileName), body); err != nil {
			return err
		}
	}
	return syncDir(dir)
}

// Promote moves new/<name> to live/<name>, shelving the previous live set
// under archive/<name>/<serial>. The two renames are not atomic together;
// readers bridge the gap with the meta-first protocol and Recover repairs
// a crash between them.
func (s *Store) Promote(name string) error {
	staged, err := s.readMeta(s.newPath(name))
	if err != nil {
		return fmt.Errorf("nothing staged for %s: %w", name, err)
	}

	live := s.livePath(name)
	if prev, err := s.readMeta(live); err == nil {
		archiveDir := s.archivePath(name)
		if err := os.MkdirAll(archiveDir, dirMode); err != nil {
			return fmt.Errorf("error creating archive dir: %w", err)
		}
		if err := os.Rename(live, filepath.Join(archiveDir, prev.Serial)); err != nil {
			return fmt.Errorf("error archiving live set: %w", err)
		}
	} else if !os.IsNotExist(err) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("error inspecting live set: %w", err)
	}

	if err := os.Rename(s.newPath(name), live); err != nil {
		return fmt.Errorf("error promoting staged set: %w", err)
	}
	if err := syncDir(filepath.Join(s.base, "live")); err != nil {
		return err
	}
	internal.Metric_StorePublishes.Inc()
	storeLogger.Debug().Str("cert", name).Str("serial", staged.Serial).Msg("material promoted to live")

	s.pruneArchive(name)
	return nil
}

// Recover completes a publish interrupted between the two renames: live is
// missing but a self-consistent staged set exists. Returns true when a
// promote happened.
func (s *Store) Recover(name string) (bool, error) {
	if _, err := os.Stat(s.livePath(name)); err == nil {
		return false, nil
	}
	if _, err := s.readValidated(s.newPath(name)); err != nil {
		return false, nil
	}
	if err := s.Promote(name); err != nil {
		return false, err
	}
	internal.Metric_StoreRecoveries.Inc()
	return true, nil
}

// Read returns the live material using the reader protocol: meta first,
// then the PEMs, accepted only if fingerprint and serial line up. A
// mismatch (a publish raced the read) is retried once.
func (s *Store) Read(name string) (*Material, error) {
	material, err := s.readValidated(s.livePath(name))
	if errors.Is(err, ErrInconsistent) {
		material, err = s.readValidated(s.livePath(name))
	}
	return material, err
}

// StagedMeta reports what is parked in new/<name>, if anything.
func (s *Store) StagedMeta(name string) (*Meta, error) {
	return s.readMeta(s.newPath(name))
}

// HasStaged reports whether a self-consistent set is parked in new/<name>.
func (s *Store) HasStaged(name string) bool {
	_, err := s.readValidated(s.newPath(name))
	return err == nil
}

// Retire archives the live set of a name removed from configuration. The
// material stays readable under archive/ for a grace window instead of
// vanishing from under the distribution API.
func (s *Store) Retire(name string) error {
	live := s.livePath(name)
	meta, err := s.readMeta(live)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	archiveDir := s.archivePath(name)
	if err := os.MkdirAll(archiveDir, dirMode); err != nil {
		return fmt.Errorf("error creating archive dir: %w", err)
	}
	if err := os.Rename(live, filepath.Join(archiveDir, meta.Serial)); err != nil {
		return fmt.Errorf("error retiring live set: %w", err)
	}
	_ = os.RemoveAll(s.newPath(name))
	storeLogger.Debug().Str("cert", name).Msg("material retired to archive")
	return nil
}

// List names every certificate with a live set.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.base, "live"))
	if err != nil {
		return nil, fmt.Errorf("error listing live dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ArchivedSerials lists the retained serials for a name, newest last.
func (s *Store) ArchivedSerials(name string) ([]string, error) {
	entries, err := os.ReadDir(s.archivePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error listing archive dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		iInfo, _ := entries[i].Info()
		jInfo, _ := entries[j].Info()
		if iInfo == nil || jInfo == nil {
			return entries[i].Name() < entries[j].Name()
		}
		return iInfo.ModTime().Before(jInfo.ModTime())
	})
	var serials []string
	for _, entry := range entries {
		serials = append(serials, entry.Name())
	}
	return serials, nil
}

func (s *Store) readMeta(dir string) (*Meta, error) {
	body, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return nil, err
	}
	meta := &Meta{}
	if err := json.Unmarshal(body, meta); err != nil {
		return nil, fmt.Errorf("error unmarshaling meta: %w", err)
	}
	return meta, nil
}

func (s *Store) readValidated(dir string) (*Material, error) {
	meta, err := s.readMeta(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dir, ErrNotFound)
		}
		return nil, err
	}

	material := &Material{Meta: *meta}
	for fileName, target := range map[string]*[]byte{
		"privkey.pem": &material.PrivateKeyPEM,
		"cert.pem":    &material.CertPEM,
		"chain.pem":   &material.ChainPEM,
	} {
		body, err := os.ReadFile(filepath.Join(dir, fileName))
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", fileName, err)
		}
		*target = body
	}

	key, err := certcrypto.ParseKeyPEM(material.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("unparseable privkey.pem: %s: %w", err, ErrInconsistent)
	}
	fingerprint, err := certcrypto.PublicKeyFingerprint(key.Public())
	if err != nil {
		return nil, err
	}
	if fingerprint != meta.Fingerprint {
		return nil, fmt.Errorf("fingerprint mismatch for %s: %w", dir, ErrInconsistent)
	}

	leaf, err := certcrypto.ParseCertPEM(material.CertPEM)
	if err != nil {
		return nil, fmt.Errorf("unparseable cert.pem: %s: %w", err, ErrInconsistent)
	}
	if serial := fmt.Sprintf("%x", leaf.SerialNumber); serial != meta.Serial {
		return nil, fmt.Errorf("serial mismatch for %s: %w", dir, ErrInconsistent)
	}
	return material, nil
}

// pruneArchive trims archive/<name> down to the configured retention.
// Best-effort; a failed removal is retried on the next publish.
func (s *Store) pruneArchive(name string) {
	serials, err := s.ArchivedSerials(name)
	if err != nil || len(serials) <= s.archiveKeep {
		return
	}
	for _, serial := range serials[:len(serials)-s.archiveKeep] {
		if err := os.RemoveAll(filepath.Join(s.archivePath(name), serial)); err != nil {
			storeLogger.Warn().Err(err).Str("cert", name).Str("serial", serial).Msg("error pruning archive")
		}
	}
}

func writeFileSync(path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", path, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("error syncing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", path, err)
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("error opening dir %s: %w", dir, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("error syncing dir %s: %w", dir, err)
	}
	return nil
}
