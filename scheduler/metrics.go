package scheduler

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
)

// engineMetrics is the tally scope for the lifecycle engine, reported into
// the default prometheus registry next to the promauto counters.
type engineMetrics struct {
	scope  tally.Scope
	closer io.Closer

	transitions tally.Scope
	stateGauges map[State]tally.Gauge
	orderTimer  tally.Timer
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	reporter := promreporter.NewReporter(promreporter.Options{
		Registerer: reg,
	})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         "certcentral",
		CachedReporter: reporter,
		Separator:      promreporter.DefaultSeparator,
	}, time.Second)

	m := &engineMetrics{
		scope:       scope,
		closer:      closer,
		transitions: scope.SubScope("transitions"),
		stateGauges: map[State]tally.Gauge{},
		orderTimer:  scope.Timer("order_duration"),
	}
	for state, name := range stateNames {
		m.stateGauges[state] = scope.Tagged(map[string]string{"state": name}).Gauge("certificates")
	}
	return m
}

func (m *engineMetrics) recordTransition(from, to State) {
	m.transitions.Tagged(map[string]string{
		"from": from.String(),
		"to":   to.String(),
	}).Counter("total").Inc(1)
}

// updateStateGauges publishes how many records sit in each state.
func (m *engineMetrics) updateStateGauges(counts map[State]int) {
	for state, gauge := range m.stateGauges {
		gauge.Update(float64(counts[state]))
	}
}

func (m *engineMetrics) close() {
	_ = m.closer.Close()
}
