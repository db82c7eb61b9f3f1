package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Metric_ACMERequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acme_requests",
		Help: "ACME POSTs by operation and HTTP status code",
	}, []string{"op", "code"})
	Metric_ACMEBadNonceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acme_bad_nonce_retries",
		Help: "Requests replayed after a badNonce rejection",
	})
	Metric_ChallengesPresented = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenges_presented",
		Help: "Challenges provisioned by type, including repeats",
	}, []string{"type"})
	Metric_DNSPropagationTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_propagation_timeouts",
		Help: "dns-01 TXT records that never became visible on every authoritative NS",
	})
	Metric_StorePublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_publishes",
		Help: "Certificate material sets promoted to live",
	})
	Metric_StoreRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_recoveries",
		Help: "Interrupted publishes completed on startup",
	})
	Metric_OrdersInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orders_in_flight",
		Help: "Records currently holding an ACME order",
	})
)
