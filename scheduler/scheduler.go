// Package scheduler drives every configured certificate through its
// lifecycle: self-signed bootstrap, ACME ordering, challenge solving,
// download, publish, renewal, and failure backoff. A small worker pool
// draws ready records from a deadline-ordered queue; a semaphore caps how
// many hold in-flight orders at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/certcentral/certcentral/certcrypto"
	"github.com/certcentral/certcentral/certstore"
	"github.com/certcentral/certcentral/challenges"
	"github.com/certcentral/certcentral/config"
	"github.com/certcentral/certcentral/gologger"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrUnknownCertificate = errors.New("no record for certificate")

	logger = gologger.NewLogger()
)

const dailyWakeup = 24 * time.Hour

type Scheduler struct {
	store    *certstore.Store
	solvers  challenges.Registry
	accounts *accountManager
	clk      clock.Clock
	metrics  *engineMetrics

	schedCfg config.SchedulerConfig
	orderSem *semaphore.Weighted

	mu      sync.Mutex
	certs   map[string]*config.CertificateConfig
	records map[string]*Record
	queue   *attemptQueue
	// wake is closed and replaced to kick every waiting worker
	wake chan struct{}
}

type Option func(*Scheduler)

func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clk = clk }
}

// WithMetricsRegistry reports engine metrics into reg instead of the
// process-wide default registry. Tests use this to keep instances apart.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(s *Scheduler) { s.metrics = newEngineMetrics(reg) }
}

func New(cfg *config.Config, store *certstore.Store, solvers challenges.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		solvers:  solvers,
		clk:      clock.WallClock,
		schedCfg: cfg.Scheduler,
		orderSem: semaphore.NewWeighted(int64(cfg.Scheduler.ConcurrentOrders)),
		certs:    map[string]*config.CertificateConfig{},
		records:  map[string]*Record{},
		queue:    newAttemptQueue(),
		wake:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newEngineMetrics(prometheus.DefaultRegisterer)
	}
	s.accounts = newAccountManager(cfg.Accounts, s.clk)
	s.Reconcile(cfg)
	return s
}

// Run blocks until ctx is canceled, then gives in-flight orders the
// configured grace period to reach a safe checkpoint before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.metrics.close()

	// workers get their own context so admission stops before they do
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	group, groupCtx := errgroup.WithContext(workCtx)
	for i := 0; i < s.schedCfg.Workers; i++ {
		group.Go(func() error {
			s.workerLoop(groupCtx)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := s.clk.NewTimer(dailyWakeup)
		defer ticker.Stop()
		for {
			select {
			case <-workCtx.Done():
				return
			case <-ticker.Chan():
				s.dailyCheck()
				ticker.Reset(dailyWakeup)
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Dur("grace", s.schedCfg.ShutdownGrace.Std()).Msg("scheduler shutting down")

	finished := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(finished)
	}()
	// workers that are idle return as soon as workCtx dies; busy ones get
	// the grace period to reach a checkpoint
	s.drainAndCancel(cancelWork, finished)
	<-done
	return nil
}

func (s *Scheduler) drainAndCancel(cancelWork context.CancelFunc, finished chan struct{}) {
	cancelWork()
	select {
	case <-finished:
	case <-s.clk.After(s.schedCfg.ShutdownGrace.Std()):
		logger.Warn().Int("in_flight", s.ordersInFlight()).Msg("shutdown grace period elapsed with orders still in flight")
	}
}

// ordersInFlight counts records currently inside the ACME order window.
func (s *Scheduler) ordersInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, record := range s.records {
		if record.currentState().InOrder() {
			count++
		}
	}
	return count
}

// Reconcile aligns the record set with a configuration: new names get
// records, removed names are retired to the archive, existing records pick
// up spec changes. In-flight orders are never restarted, but an order for
// a removed name is discarded at publish time.
func (s *Scheduler) Reconcile(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, spec := range cfg.Certificates {
		if record, ok := s.records[name]; ok {
			record.mu.Lock()
			record.spec = spec
			record.fatal = false
			if record.nextAttempt.IsZero() {
				record.nextAttempt = s.clk.Now()
			}
			at := record.nextAttempt
			record.mu.Unlock()
			// a subject change must not wait for renewal time
			if s.subjectsChanged(record) {
				at = s.clk.Now()
			}
			s.queue.schedule(record, at)
			continue
		}
		record := newRecord(name, spec, s.schedCfg)
		s.restoreFromStore(record)
		s.records[name] = record
		s.queue.schedule(record, record.nextAttempt)
	}

	for name, record := range s.records {
		if _, ok := cfg.Certificates[name]; ok {
			continue
		}
		record.mu.Lock()
		record.removed = true
		record.mu.Unlock()
		s.queue.remove(name)
		delete(s.records, name)
		if err := s.store.Retire(name); err != nil {
			logger.Error().Err(err).Str("cert", name).Msg("error retiring removed certificate")
		} else {
			logger.Info().Str("cert", name).Msg("certificate removed from config, material archived")
		}
	}

	s.certs = cfg.Certificates
	s.updateGaugesLocked()
	s.kickLocked()
}

// restoreFromStore derives a new record's starting state from what is on
// disk, completing any publish a crash interrupted. No progress is lost
// once material was published (the record resumes at or past its prior
// state).
func (s *Scheduler) restoreFromStore(record *Record) {
	now := s.clk.Now()
	record.nextAttempt = now

	if recovered, err := s.store.Recover(record.name); err != nil {
		logger.Error().Err(err).Str("cert", record.name).Msg("error recovering interrupted publish")
	} else if recovered {
		logger.Info().Str("cert", record.name).Msg("completed interrupted publish")
	}

	material, err := s.store.Read(record.name)
	if err != nil {
		record.state = StateInitial
		return
	}
	record.material = material

	// material parked in new/ by a staging window resumes where it was
	if meta, err := s.store.StagedMeta(record.name); err == nil {
		record.state = StateDownloading
		record.nextAttempt = meta.NotBefore.Add(record.spec.StagingTime.Std())
		if record.nextAttempt.Before(now) {
			record.nextAttempt = now
		}
		return
	}

	switch {
	case material.Meta.SelfSigned:
		record.state = StateSelfSigned
	case !material.Meta.NotAfter.After(now):
		record.state = StateExpired
	default:
		record.state = StateLive
		record.nextAttempt = s.renewalTime(material)
		if s.subjectsChanged(record) {
			record.nextAttempt = now
		}
	}
}

// renewalTime is not_before + R * (not_after - not_before).
func (s *Scheduler) renewalTime(material *certstore.Material) time.Time {
	lifetime := material.Meta.NotAfter.Sub(material.Meta.NotBefore)
	due := time.Duration(float64(lifetime) * s.schedCfg.RenewalRatio)
	return material.Meta.NotBefore.Add(due)
}

func (s *Scheduler) subjectsChanged(record *Record) bool {
	record.mu.Lock()
	material := record.material
	spec := record.spec
	record.mu.Unlock()

	if material == nil {
		return false
	}
	want := spec.Names()
	have := material.Meta.SAN
	if len(want) != len(have) {
		return true
	}
	_, diff := lo.Difference(want, have)
	return len(diff) > 0
}

// workerLoop pops ready records and processes them until ctx dies.
func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		record := s.nextReady(ctx)
		if record == nil {
			return
		}
		s.process(ctx, record)
	}
}

func (s *Scheduler) nextReady(ctx context.Context) *Record {
	for {
		s.mu.Lock()
		now := s.clk.Now()
		if record := s.queue.popDue(now); record != nil {
			s.mu.Unlock()
			return record
		}
		wait := time.Minute
		if at, ok := s.queue.peekAt(); ok {
			if d := at.Sub(now); d < wait {
				wait = d
			}
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-s.clk.After(wait):
		}
	}
}

// kickLocked wakes every worker blocked in nextReady. Caller holds the
// scheduler mutex.
func (s *Scheduler) kickLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Scheduler) requeue(record *Record, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.name]; !ok {
		return
	}
	s.queue.schedule(record, at)
	s.kickLocked()
}

// process runs one attempt for a record, whatever its state calls for.
func (s *Scheduler) process(ctx context.Context, record *Record) {
	switch record.currentState() {
	case StateInitial:
		s.bootstrapSelfSigned(record)
	case StateSelfSigned, StateFailed, StateExpired, StateRevoking:
		s.runOrder(ctx, record)
	case StateDownloading:
		s.finishStaged(record)
	case StateLive:
		s.checkLive(ctx, record)
	default:
		logger.Warn().Str("cert", record.name).Str("state", record.currentState().String()).Msg("record queued in unexpected state")
	}
}

// checkLive decides whether a live record needs work: renewal due, subject
// change, or expiry. Otherwise it goes back to sleep until renewal time.
func (s *Scheduler) checkLive(ctx context.Context, record *Record) {
	record.mu.Lock()
	material := record.material
	force := record.forceRenew
	record.forceRenew = false
	record.mu.Unlock()

	now := s.clk.Now()
	switch {
	case material == nil:
		s.transition(record, StateInitial)
		s.requeue(record, now)
	case !material.Meta.NotAfter.After(now):
		s.transition(record, StateExpired)
		s.requeue(record, now)
	case force, s.subjectsChanged(record), !s.renewalTime(material).After(now):
		s.runOrder(ctx, record)
	default:
		s.requeue(record, s.renewalTime(material))
	}
}

// dailyCheck advances expiry detection for every record.
func (s *Scheduler) dailyCheck() {
	s.mu.Lock()
	now := s.clk.Now()
	for _, record := range s.records {
		record.mu.Lock()
		expired := record.state == StateLive && record.material != nil && !record.material.Meta.NotAfter.After(now)
		record.mu.Unlock()
		if expired {
			s.queue.schedule(record, now)
		}
	}
	s.kickLocked()
	s.mu.Unlock()
}

// transition moves a record to a new state under its lock and records the
// metric. Returns false when the record was removed from configuration
// mid-flight.
func (s *Scheduler) transition(record *Record, to State) bool {
	record.mu.Lock()
	if record.removed {
		record.mu.Unlock()
		return false
	}
	from := record.state
	record.state = to
	record.lastTransition = s.clk.Now()
	record.mu.Unlock()

	s.metrics.recordTransition(from, to)
	s.mu.Lock()
	s.updateGaugesLocked()
	s.mu.Unlock()

	logger.Debug().Str("cert", record.name).Str("from", from.String()).Str("to", to.String()).Msg("state transition")
	return true
}

func (s *Scheduler) updateGaugesLocked() {
	counts := map[State]int{}
	for _, record := range s.records {
		counts[record.currentState()]++
	}
	s.metrics.updateStateGauges(counts)
}

// Snapshots returns the externally visible state of every record, sorted
// by name.
func (s *Scheduler) Snapshots() []Snapshot {
	s.mu.Lock()
	records := lo.Values(s.records)
	s.mu.Unlock()

	snaps := lo.Map(records, func(record *Record, _ int) Snapshot {
		return record.snapshot()
	})
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// SnapshotOf returns one record's state.
func (s *Scheduler) SnapshotOf(name string) (Snapshot, error) {
	s.mu.Lock()
	record, ok := s.records[name]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%s: %w", name, ErrUnknownCertificate)
	}
	return record.snapshot(), nil
}

// AuthorizedFor reports whether host may fetch the named certificate's
// material, per the configured glob patterns.
func (s *Scheduler) AuthorizedFor(name, host string) (bool, error) {
	s.mu.Lock()
	spec, ok := s.certs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%s: %w", name, ErrUnknownCertificate)
	}
	return spec.AuthorizedFor(host), nil
}

// RenewNow schedules an immediate order for a record, the control
// surface's renew trigger.
func (s *Scheduler) RenewNow(name string) error {
	s.mu.Lock()
	record, ok := s.records[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownCertificate)
	}

	record.mu.Lock()
	record.failures = 0
	record.fatal = false
	record.forceRenew = true
	record.boff.Reset()
	record.nextAttempt = s.clk.Now()
	record.mu.Unlock()

	s.requeue(record, s.clk.Now())
	return nil
}

// Revoke asks the CA to revoke the current live certificate and schedules
// a replacement order.
func (s *Scheduler) Revoke(ctx context.Context, name string, reason int) error {
	s.mu.Lock()
	record, ok := s.records[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownCertificate)
	}

	record.mu.Lock()
	material := record.material
	accountID := record.spec.Account
	record.mu.Unlock()
	if material == nil || material.Meta.SelfSigned {
		return fmt.Errorf("%s has no issued certificate to revoke", name)
	}

	client, err := s.accounts.client(ctx, accountID)
	if err != nil {
		return err
	}
	leaf, err := certcrypto.ParseCertPEM(material.CertPEM)
	if err != nil {
		return err
	}
	if err := client.RevokeCertificate(ctx, leaf.Raw, reason); err != nil {
		return err
	}

	if !s.transition(record, StateRevoking) {
		return nil
	}
	logger.Info().Str("cert", name).Int("reason", reason).Msg("certificate revoked, reordering")
	s.requeue(record, s.clk.Now())
	return nil
}

// RotateAccountKey performs the RFC 8555 key rollover for an account.
func (s *Scheduler) RotateAccountKey(ctx context.Context, accountID string) error {
	return s.accounts.rotate(ctx, accountID)
}
