package scheduler

import (
	"testing"
	"time"

	"github.com/certcentral/certcentral/config"
)

func queueRecord(name string) *Record {
	return newRecord(name, &config.CertificateConfig{CN: name}, config.SchedulerConfig{
		BackoffBase: config.Duration(time.Second),
		BackoffCap:  config.Duration(time.Minute),
	})
}

func TestQueueOrdersByDeadline(t *testing.T) {
	q := newAttemptQueue()
	now := time.Now()

	q.schedule(queueRecord("c"), now.Add(3*time.Second))
	q.schedule(queueRecord("a"), now.Add(time.Second))
	q.schedule(queueRecord("b"), now.Add(2*time.Second))

	for _, want := range []string{"a", "b", "c"} {
		record := q.popDue(now.Add(time.Minute))
		if record == nil || record.name != want {
			t.Fatalf("expected %s, got %+v", want, record)
		}
	}
	if record := q.popDue(now.Add(time.Minute)); record != nil {
		t.Fatalf("expected empty queue, got %s", record.name)
	}
}

func TestQueuePopDueRespectsDeadline(t *testing.T) {
	q := newAttemptQueue()
	now := time.Now()
	q.schedule(queueRecord("a"), now.Add(time.Hour))

	if record := q.popDue(now); record != nil {
		t.Fatalf("popped record %s before its deadline", record.name)
	}
	at, ok := q.peekAt()
	if !ok || !at.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected peek at deadline, got %s (ok=%v)", at, ok)
	}
}

func TestQueueDeduplicatesAndMovesEarlier(t *testing.T) {
	q := newAttemptQueue()
	now := time.Now()
	record := queueRecord("a")

	q.schedule(record, now.Add(time.Hour))
	// a later deadline never displaces an earlier one
	q.schedule(record, now.Add(2*time.Hour))
	if q.Len() != 1 {
		t.Fatalf("expected 1 queued item, got %d", q.Len())
	}
	at, _ := q.peekAt()
	if !at.Equal(now.Add(time.Hour)) {
		t.Fatalf("deadline moved later: %s", at)
	}

	q.schedule(record, now)
	popped := q.popDue(now)
	if popped == nil || popped.name != "a" {
		t.Fatal("expected record due after moving earlier")
	}
}

func TestQueueRemove(t *testing.T) {
	q := newAttemptQueue()
	now := time.Now()
	q.schedule(queueRecord("a"), now)
	q.schedule(queueRecord("b"), now)

	q.remove("a")
	q.remove("missing")

	record := q.popDue(now)
	if record == nil || record.name != "b" {
		t.Fatalf("expected b, got %+v", record)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d items", q.Len())
	}
}
