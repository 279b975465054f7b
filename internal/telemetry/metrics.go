package telemetry

import "github.com/prometheus/client_golang/prometheus"

var VerificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultcore",
		Subsystem: "verification",
		Name:      "total",
		Help:      "Total number of authorization verifications by protocol and outcome.",
	},
	[]string{"protocol", "status"},
)

var VerificationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "vaultcore",
		Subsystem: "verification",
		Name:      "duration_seconds",
		Help:      "Verification pipeline duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	},
	[]string{"protocol"},
)

var TransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultcore",
		Subsystem: "authorization",
		Name:      "transitions_total",
		Help:      "Total number of authorization state transitions by from/to status.",
	},
	[]string{"from", "to"},
)

var InboundWebhooksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultcore",
		Subsystem: "inbound_webhook",
		Name:      "total",
		Help:      "Total number of inbound ACP webhook deliveries by outcome.",
	},
	[]string{"event_type", "outcome"},
)

var OutboundDeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultcore",
		Subsystem: "outbound_webhook",
		Name:      "deliveries_total",
		Help:      "Total number of outbound webhook delivery attempts by status.",
	},
	[]string{"event_type", "status"},
)

var OutboundDeliveryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "vaultcore",
		Subsystem: "outbound_webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Outbound webhook HTTP POST duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"event_type"},
)

var WorkerTicksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultcore",
		Subsystem: "lifecycle_worker",
		Name:      "ticks_total",
		Help:      "Total number of lifecycle worker iterations by worker and outcome.",
	},
	[]string{"worker", "outcome"},
)

var ExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "vaultcore",
		Subsystem: "lifecycle_worker",
		Name:      "expired_total",
		Help:      "Total number of authorizations transitioned to EXPIRED by the expiry scanner.",
	},
)

var AlertsGeneratedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "vaultcore",
		Subsystem: "lifecycle_worker",
		Name:      "alerts_generated_total",
		Help:      "Total number of near-expiry alerts generated.",
	},
)

var EvidencePacksExportedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "vaultcore",
		Subsystem: "evidence",
		Name:      "packs_exported_total",
		Help:      "Total number of evidence packs exported.",
	},
)

// All returns all vault-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		VerificationsTotal,
		VerificationDuration,
		TransitionsTotal,
		InboundWebhooksTotal,
		OutboundDeliveriesTotal,
		OutboundDeliveryDuration,
		WorkerTicksTotal,
		ExpiredTotal,
		AlertsGeneratedTotal,
		EvidencePacksExportedTotal,
	}
}
