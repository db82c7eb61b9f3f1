package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/certcentral/certcentral/acmetest"
	"github.com/certcentral/certcentral/certstore"
	"github.com/certcentral/certcentral/challenges"
	"github.com/certcentral/certcentral/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
)

// stubSolver accepts every challenge without touching the network. The
// mock CA validates whatever the scheduler presents unless a test installs
// a ChallengeCheck.
type stubSolver struct {
	mu        sync.Mutex
	presented []challenges.Challenge
	cleaned   []challenges.Challenge
}

func (s *stubSolver) Present(_ context.Context, ch challenges.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presented = append(s.presented, ch)
	return nil
}

func (s *stubSolver) CleanUp(_ context.Context, ch challenges.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned = append(s.cleaned, ch)
	return nil
}

func (s *stubSolver) presentedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.presented)
}

type SchedulerSuite struct {
	suite.Suite

	ca     *acmetest.CA
	dir    string
	solver *stubSolver

	cfg    *config.Config
	store  *certstore.Store
	sched  *Scheduler
	cancel context.CancelFunc
	done   chan struct{}
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	ca, err := acmetest.NewCA()
	s.Require().NoError(err)
	s.ca = ca
	s.dir = s.T().TempDir()
	s.solver = &stubSolver{}
	s.sched = nil
	s.cancel = nil
}

func (s *SchedulerSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			s.T().Error("scheduler did not shut down in time")
		}
	}
	s.ca.Close()
}

func (s *SchedulerSuite) testConfig(certs map[string]*config.CertificateConfig) *config.Config {
	cfg := &config.Config{
		Accounts: map[string]*config.AccountConfig{
			"main": {
				Directory: s.ca.DirectoryURL(),
				Contact:   []string{"mailto:ops@example.org"},
			},
		},
		Challenges: config.ChallengesConfig{
			HTTP01: &config.HTTP01Config{ChallengesDir: filepath.Join(s.dir, "challenges")},
		},
		Certificates: certs,
		Scheduler: config.SchedulerConfig{
			Workers:       2,
			BackoffBase:   config.Duration(50 * time.Millisecond),
			BackoffCap:    config.Duration(time.Second),
			ShutdownGrace: config.Duration(2 * time.Second),
		},
		Store: config.StoreConfig{
			BasePath:    filepath.Join(s.dir, "state"),
			ArchiveKeep: 3,
		},
	}
	cfg.ApplyDefaults()
	s.Require().NoError(cfg.Validate())
	return cfg
}

// start builds a scheduler over a fresh store and runs it until teardown.
func (s *SchedulerSuite) start(certs map[string]*config.CertificateConfig) {
	s.startWith(s.testConfig(certs))
}

func (s *SchedulerSuite) startWith(cfg *config.Config) {
	s.cfg = cfg

	store, err := certstore.New(s.cfg.Store.BasePath, s.cfg.Store.ArchiveKeep)
	s.Require().NoError(err)
	s.store = store

	s.sched = New(s.cfg, store, challenges.Registry{config.ChallengeHTTP01: s.solver},
		WithMetricsRegistry(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		_ = s.sched.Run(ctx)
	}()
}

func (s *SchedulerSuite) certSpec(cn string, san ...string) *config.CertificateConfig {
	return &config.CertificateConfig{
		CN:        cn,
		SAN:       san,
		Challenge: config.ChallengeHTTP01,
		Account:   "main",
	}
}

func (s *SchedulerSuite) waitForState(name, state string) {
	s.Require().Eventually(func() bool {
		snap, err := s.sched.SnapshotOf(name)
		return err == nil && snap.State == state
	}, 15*time.Second, 20*time.Millisecond, "certificate %s never reached %s", name, state)
}

// A cold start publishes self-signed placeholder material first, then
// replaces it with a CA-issued certificate.
func (s *SchedulerSuite) TestColdStartToLive() {
	s.start(map[string]*config.CertificateConfig{
		"unified": s.certSpec("unified.example.org", "www.example.org"),
	})
	s.waitForState("unified", "LIVE")

	material, err := s.store.Read("unified")
	s.Require().NoError(err)
	s.False(material.Meta.SelfSigned)
	s.Equal([]string{"unified.example.org", "www.example.org"}, material.Meta.SAN)
	s.Equal(1, s.ca.OrderCount())

	// one challenge presented per identifier
	s.Equal(2, s.solver.presentedCount())

	snap, err := s.sched.SnapshotOf("unified")
	s.Require().NoError(err)
	s.Equal(material.Meta.Serial, snap.Serial)
	s.Zero(snap.Failures)
}

// A stale badNonce rejection is retried with a fresh nonce inside the
// client; the scheduler never sees it and no extra order is created.
func (s *SchedulerSuite) TestBadNonceIsTransparent() {
	s.ca.InjectBadNonce()
	s.start(map[string]*config.CertificateConfig{
		"unified": s.certSpec("unified.example.org"),
	})
	s.waitForState("unified", "LIVE")

	s.Equal(1, s.ca.OrderCount())
	snap, err := s.sched.SnapshotOf("unified")
	s.Require().NoError(err)
	s.Zero(snap.Failures)
	s.Empty(snap.LastError)
}

// A rate-limited order parks the record in FAILED with the next attempt
// honoring the CA's Retry-After, jitter included.
func (s *SchedulerSuite) TestRateLimitHonorsRetryAfter() {
	s.ca.InjectRateLimit(time.Minute)
	before := time.Now()
	s.start(map[string]*config.CertificateConfig{
		"unified": s.certSpec("unified.example.org"),
	})
	s.waitForState("unified", "FAILED")

	snap, err := s.sched.SnapshotOf("unified")
	s.Require().NoError(err)
	s.Equal(1, snap.Failures)
	s.Contains(snap.LastError, "rateLimited")
	// 60s spread by up to ±20%
	s.True(snap.NextAttempt.After(before.Add(45*time.Second)), "next attempt %s too early", snap.NextAttempt)
	s.True(snap.NextAttempt.Before(before.Add(90*time.Second)), "next attempt %s too late", snap.NextAttempt)

	// the placeholder material stays served while the record backs off
	material, readErr := s.store.Read("unified")
	s.Require().NoError(readErr)
	s.True(material.Meta.SelfSigned)
}

// A forced renewal issues a new certificate and archives the previous one
// under its serial.
func (s *SchedulerSuite) TestRenewalArchivesPrevious() {
	s.start(map[string]*config.CertificateConfig{
		"unified": s.certSpec("unified.example.org"),
	})
	s.waitForState("unified", "LIVE")

	first, err := s.store.Read("unified")
	s.Require().NoError(err)

	s.Require().NoError(s.sched.RenewNow("unified"))
	s.Require().Eventually(func() bool {
		material, err := s.store.Read("unified")
		return err == nil && material.Meta.Serial != first.Meta.Serial
	}, 15*time.Second, 20*time.Millisecond, "live material never rotated")
	s.waitForState("unified", "LIVE")

	s.Equal(2, s.ca.OrderCount())
	serials, err := s.store.ArchivedSerials("unified")
	s.Require().NoError(err)
	s.Contains(serials, first.Meta.Serial)
}

// With a staging window larger than the CA's backdate, fresh material
// parks in new/ and the previous live set keeps being served.
// A renewal whose certificate does not outlive the live one is rejected:
// the record fails instead of publishing the shorter-lived leaf.
func (s *SchedulerSuite) TestRenewalRejectsShorterLivedCertificate() {
	s.start(map[string]*config.CertificateConfig{
		"unified": s.certSpec("unified.example.org"),
	})
	s.waitForState("unified", "LIVE")

	first, err := s.store.Read("unified")
	s.Require().NoError(err)

	// the CA now issues leaves expiring well before the live one
	s.ca.CertLifetime = 24 * time.Hour
	s.Require().NoError(s.sched.RenewNow("unified"))
	s.waitForState("unified", "FAILED")

	snap, err := s.sched.SnapshotOf("unified")
	s.Require().NoError(err)
	s.Contains(snap.LastError, "expiring")

	// the live material is untouched
	material, err := s.store.Read("unified")
	s.Require().NoError(err)
	s.Equal(first.Meta.Serial, material.Meta.Serial)
	s.Equal(first.Meta.NotAfter, material.Meta.NotAfter)
}

// With concurrent_orders: 1, renewals for many certificates never overlap
// at the CA even though several workers are available.
func (s *SchedulerSuite) TestConcurrentOrdersCapped() {
	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	s.ca.SetChallengeCheck(func(ident, challengeType, token, keyAuth string) error {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	cfg := s.testConfig(map[string]*config.CertificateConfig{
		"alpha": s.certSpec("alpha.example.org"),
		"beta":  s.certSpec("beta.example.org"),
		"gamma": s.certSpec("gamma.example.org"),
	})
	cfg.Scheduler.ConcurrentOrders = 1
	s.startWith(cfg)

	for _, name := range []string{"alpha", "beta", "gamma"} {
		s.waitForState(name, "LIVE")
	}
	s.Equal(3, s.ca.OrderCount())

	mu.Lock()
	defer mu.Unlock()
	s.Equal(1, maxSeen, "orders overlapped despite concurrent_orders: 1")
}

func (s *SchedulerSuite) TestStagingTimeHoldsMaterial() {
	spec := s.certSpec("unified.example.org")
	spec.Staging = true
	spec.StagingTime = config.Duration(2 * time.Hour)
	s.start(map[string]*config.CertificateConfig{"unified": spec})

	s.waitForState("unified", "DOWNLOADING")
	s.Require().Eventually(func() bool {
		return s.store.HasStaged("unified")
	}, 15*time.Second, 20*time.Millisecond)

	live, err := s.store.Read("unified")
	s.Require().NoError(err)
	s.True(live.Meta.SelfSigned, "live material replaced before the staging window elapsed")

	staged, err := s.store.StagedMeta("unified")
	s.Require().NoError(err)
	s.False(staged.SelfSigned)
	s.True(staged.Staging)
}

// Removing a certificate from configuration retires its material and
// forgets the record.
func (s *SchedulerSuite) TestReconcileRetiresRemoved() {
	s.start(map[string]*config.CertificateConfig{
		"unified": s.certSpec("unified.example.org"),
	})
	s.waitForState("unified", "LIVE")

	empty := s.testConfig(map[string]*config.CertificateConfig{})
	s.sched.Reconcile(empty)

	_, err := s.sched.SnapshotOf("unified")
	s.ErrorIs(err, ErrUnknownCertificate)
	_, err = s.store.Read("unified")
	s.ErrorIs(err, certstore.ErrNotFound)
	serials, err := s.store.ArchivedSerials("unified")
	s.Require().NoError(err)
	s.NotEmpty(serials)
}

// Adding a SAN to a live certificate triggers a re-issue on the next tick.
func (s *SchedulerSuite) TestSubjectChangeReissues() {
	s.start(map[string]*config.CertificateConfig{
		"unified": s.certSpec("unified.example.org"),
	})
	s.waitForState("unified", "LIVE")

	grown := s.testConfig(map[string]*config.CertificateConfig{
		"unified": s.certSpec("unified.example.org", "api.example.org"),
	})
	s.sched.Reconcile(grown)

	s.Require().Eventually(func() bool {
		material, err := s.store.Read("unified")
		return err == nil && len(material.Meta.SAN) == 2
	}, 15*time.Second, 20*time.Millisecond, "certificate never re-issued for the new SAN")
}

// A restart picks up where the store left off: live material is trusted
// and no new order is placed before renewal time.
func (s *SchedulerSuite) TestRestartResumesFromStore() {
	certs := map[string]*config.CertificateConfig{
		"unified": s.certSpec("unified.example.org"),
	}
	s.start(certs)
	s.waitForState("unified", "LIVE")
	s.Equal(1, s.ca.OrderCount())

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.T().Fatal("scheduler did not shut down")
	}
	s.cancel = nil

	replacement := New(s.testConfig(certs), s.store,
		challenges.Registry{config.ChallengeHTTP01: s.solver},
		WithMetricsRegistry(prometheus.NewRegistry()))

	snap, err := replacement.SnapshotOf("unified")
	s.Require().NoError(err)
	s.Equal("LIVE", snap.State)
	s.False(snap.SelfSigned)
	s.True(snap.NextAttempt.After(time.Now()), "renewal scheduled in the past")
	s.Equal(1, s.ca.OrderCount())
}

// RotateAccountKey keeps the registered account while swapping its key.
func (s *SchedulerSuite) TestAccountKeyRotation() {
	s.start(map[string]*config.CertificateConfig{
		"unified": s.certSpec("unified.example.org"),
	})
	s.waitForState("unified", "LIVE")

	s.Require().NoError(s.sched.RotateAccountKey(context.Background(), "main"))
	s.Equal(1, s.ca.AccountCount())

	// the rotated key must still be able to order
	s.Require().NoError(s.sched.RenewNow("unified"))
	s.Require().Eventually(func() bool {
		return s.ca.OrderCount() == 2
	}, 15*time.Second, 20*time.Millisecond)
}
