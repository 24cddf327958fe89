package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "saukidata"

var ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "reconcile_outcomes_total",
	Help:      "Reconciliation results by outcome and entry point.",
}, []string{"outcome", "source"})

var ClaimContention = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "claim_lost_total",
	Help:      "Claims lost to a concurrent execution or an already delivered order.",
})

// UnsettledClaims counts claims whose settlement write failed. Each one leaves an
// order in processing_delivery until an operator intervenes.
var UnsettledClaims = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "fulfillment_unsettled_total",
	Help:      "Claims that could not be settled and need manual reconciliation.",
})

var ProvisioningDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "provisioning_duration_seconds",
	Help:      "Latency of provisioning submissions.",
	Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
}, []string{"result"})

var VerifierRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "verifier_requests_total",
	Help:      "Payment verification calls by result.",
}, []string{"result"})

var WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "webhook_deliveries_total",
	Help:      "Gateway webhook deliveries by handling result.",
}, []string{"result"})

var OutboxMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "outbox_messages_total",
	Help:      "Outbox relay results.",
}, []string{"topic", "result"})

var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "http_request_duration_seconds",
	Help:      "HTTP handler latency by route pattern and status code.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "code"})
