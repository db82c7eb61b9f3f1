package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/certcentral/certcentral/acme_client"
	"github.com/certcentral/certcentral/certcrypto"
	"github.com/certcentral/certcentral/certstore"
	"github.com/certcentral/certcentral/config"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
)

// bareScheduler builds a scheduler around a test clock without touching
// the network or disk.
func bareScheduler(t *testing.T, now time.Time) (*Scheduler, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(now)
	s := &Scheduler{
		clk:     clk,
		metrics: newEngineMetrics(prometheus.NewRegistry()),
		schedCfg: config.SchedulerConfig{
			RenewalRatio: 2.0 / 3.0,
			BackoffBase:  config.Duration(30 * time.Second),
			BackoffCap:   config.Duration(time.Hour),
		},
		certs:   map[string]*config.CertificateConfig{},
		records: map[string]*Record{},
		queue:   newAttemptQueue(),
		wake:    make(chan struct{}),
	}
	return s, clk
}

func addRecord(s *Scheduler, name string) *Record {
	record := newRecord(name, &config.CertificateConfig{CN: name}, s.schedCfg)
	record.state = StateOrdering
	s.records[name] = record
	return record
}

func TestRenewalTimeIsTwoThirdsOfLifetime(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, _ := bareScheduler(t, now)

	material := &certstore.Material{
		Meta: certstore.Meta{
			NotBefore: now,
			NotAfter:  now.Add(90 * 24 * time.Hour),
		},
	}
	want := now.Add(60 * 24 * time.Hour)
	if got := s.renewalTime(material); !got.Equal(want) {
		t.Fatalf("expected renewal at %s, got %s", want, got)
	}
}

func TestFailRecordRateLimitedHonorsRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, _ := bareScheduler(t, now)
	record := addRecord(s, "unified.example.org")

	s.failRecord(record, &acme_client.Problem{
		Type:       acme_client.ErrorTypeRateLimited,
		HTTPStatus: 429,
		RetryAfter: 10 * time.Minute,
	})

	snap := record.snapshot()
	if snap.State != "FAILED" || snap.Failures != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	// 10 min spread by ±20%
	min, max := now.Add(8*time.Minute), now.Add(12*time.Minute)
	if snap.NextAttempt.Before(min) || snap.NextAttempt.After(max) {
		t.Fatalf("next attempt %s outside [%s, %s]", snap.NextAttempt, min, max)
	}
	if s.queue.Len() != 1 {
		t.Fatalf("expected record requeued, queue holds %d", s.queue.Len())
	}
}

func TestFailRecordParameterErrorIsFatal(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, _ := bareScheduler(t, now)
	record := addRecord(s, "unified.example.org")

	s.failRecord(record, fmt.Errorf("generating key: %w", certcrypto.ErrUnknownKeyType))

	record.mu.Lock()
	fatal := record.fatal
	record.mu.Unlock()
	if !fatal {
		t.Fatal("expected a fatal record")
	}
	if s.queue.Len() != 0 {
		t.Fatal("fatal records must not be requeued")
	}
	if snap := record.snapshot(); !snap.NextAttempt.IsZero() {
		t.Fatalf("fatal record has a next attempt: %s", snap.NextAttempt)
	}
}

func TestFailRecordBacksOffExponentially(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, _ := bareScheduler(t, now)
	record := addRecord(s, "unified.example.org")

	err := fmt.Errorf("authorization for unified.example.org ended invalid")
	base := s.schedCfg.BackoffBase.Std()

	var last time.Duration
	for i := 1; i <= 3; i++ {
		record.state = StateOrdering
		s.failRecord(record, err)
		snap := record.snapshot()
		delay := snap.NextAttempt.Sub(now)
		// each interval is base·2ⁿ with 0.2 randomization
		lo := time.Duration(float64(base) * 0.79 * float64(int(1)<<(i-1)))
		hi := time.Duration(float64(base) * 1.21 * float64(int(1)<<(i-1)))
		if delay < lo || delay > hi {
			t.Fatalf("attempt %d delay %s outside [%s, %s]", i, delay, lo, hi)
		}
		if delay < last {
			t.Fatalf("attempt %d delay %s shrank below %s", i, delay, last)
		}
		last = lo
		s.queue.remove(record.name)
	}
	if record.snapshot().Failures != 3 {
		t.Fatalf("expected 3 recorded failures, got %d", record.snapshot().Failures)
	}
}

func TestTransitionDiscardsRemovedRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, _ := bareScheduler(t, now)
	record := addRecord(s, "unified.example.org")

	record.mu.Lock()
	record.removed = true
	record.mu.Unlock()

	if s.transition(record, StateLive) {
		t.Fatal("transition must refuse records removed from configuration")
	}
	if record.currentState() != StateOrdering {
		t.Fatalf("state changed to %s", record.currentState())
	}
}

func TestOrdersInFlightCountsOrderWindowOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, _ := bareScheduler(t, now)

	states := map[string]State{
		"a.example.org": StateOrdering,
		"b.example.org": StateAuthorizing,
		"c.example.org": StateFinalizing,
		"d.example.org": StateDownloading,
		"e.example.org": StateLive,
		"f.example.org": StateFailed,
		"g.example.org": StateSelfSigned,
	}
	for name, state := range states {
		addRecord(s, name).state = state
	}

	if got := s.ordersInFlight(); got != 4 {
		t.Fatalf("expected 4 records inside the order window, got %d", got)
	}
}
