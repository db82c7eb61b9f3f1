package scheduler

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/certcentral/certcentral/certstore"
	"github.com/certcentral/certcentral/config"
)

// Record is the live state of one configured certificate. All transitions
// of a record are serialized under its mutex; the scheduler holds it only
// for the duration of a single transition, never across I/O.
type Record struct {
	mu sync.Mutex

	name string
	spec *config.CertificateConfig

	state          State
	material       *certstore.Material
	lastTransition time.Time
	lastError      string
	failures       int
	nextAttempt    time.Time
	// fatal marks a record whose failure only a configuration change can
	// clear; it is not requeued until reload
	fatal bool
	// removed is set when configuration drops the name while an order is
	// in flight; the result is discarded instead of published
	removed bool
	// forceRenew makes the next live-state tick order immediately, the
	// control surface's renew trigger
	forceRenew bool

	boff *backoff.ExponentialBackOff
}

func newRecord(name string, spec *config.CertificateConfig, schedCfg config.SchedulerConfig) *Record {
	boff := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(schedCfg.BackoffBase.Std()),
		backoff.WithMaxInterval(schedCfg.BackoffCap.Std()),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.2),
		backoff.WithMaxElapsedTime(0),
	)
	return &Record{
		name: name,
		spec: spec,
		boff: boff,
	}
}

// Snapshot is a copy of a record's externally visible state, for the
// control surface and for tests.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	SAN         []string  `json:"san"`
	Serial      string    `json:"serial,omitempty"`
	NotBefore   time.Time `json:"not_before,omitzero"`
	NotAfter    time.Time `json:"not_after,omitzero"`
	SelfSigned  bool      `json:"self_signed,omitempty"`
}

func (r *Record) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Name:        r.name,
		State:       r.state.String(),
		Failures:    r.failures,
		NextAttempt: r.nextAttempt,
		LastError:   r.lastError,
		SAN:         r.spec.Names(),
	}
	if r.material != nil {
		snap.Serial = r.material.Meta.Serial
		snap.NotBefore = r.material.Meta.NotBefore
		snap.NotAfter = r.material.Meta.NotAfter
		snap.SelfSigned = r.material.Meta.SelfSigned
	}
	return snap
}

func (r *Record) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
