package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "psb"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	replicaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "messages_total",
			Help:      "Protocol messages accepted for dispatch.",
		},
		[]string{"node", "type"},
	)
	replicaRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "rejected_total",
			Help:      "Protocol messages dropped by admission or the conflict filter.",
		},
		[]string{"node", "type", "reason"},
	)
	replicaMalformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "malformed_total",
			Help:      "Decode errors per sending replica.",
		},
		[]string{"node", "from"},
	)
	replicaExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "executed_total",
			Help:      "Updates executed in global order.",
		},
		[]string{"node"},
	)
	replicaElections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "elections_total",
			Help:      "Shifts into leader election.",
		},
		[]string{"node"},
	)
	replicaView = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "installed_view",
			Help:      "Last installed view.",
		},
		[]string{"node"},
	)
	replicaAru = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "local_aru",
			Help:      "Highest contiguously ordered sequence number.",
		},
		[]string{"node"},
	)
	transportSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "datagrams_sent_total",
			Help:      "Datagrams written, by kind.",
		},
		[]string{"node", "kind"},
	)
	transportRetransmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "retransmits_total",
			Help:      "Reliable datagrams sent again after their backoff elapsed.",
		},
		[]string{"node"},
	)
	transportAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "acks_matched_total",
			Help:      "Acks that cleared an outstanding send.",
		},
		[]string{"node"},
	)
	transportOutstanding = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "outstanding",
			Help:      "Reliable sends awaiting an ack.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			replicaMessages, replicaRejected, replicaMalformed, replicaExecuted,
			replicaElections, replicaView, replicaAru,
			transportSent, transportRetransmits, transportAcks, transportOutstanding,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// NodeLabel renders a replica id as a metric label.
func NodeLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func RecordMessage(node, msgType string) {
	RegisterMetrics()
	replicaMessages.WithLabelValues(node, msgType).Inc()
}

func RecordRejected(node, msgType, reason string) {
	RegisterMetrics()
	replicaRejected.WithLabelValues(node, msgType, reason).Inc()
}

func RecordMalformed(node, from string) {
	RegisterMetrics()
	replicaMalformed.WithLabelValues(node, from).Inc()
}

func RecordExecuted(node string) {
	RegisterMetrics()
	replicaExecuted.WithLabelValues(node).Inc()
}

func RecordElection(node string) {
	RegisterMetrics()
	replicaElections.WithLabelValues(node).Inc()
}

func SetInstalledView(node string, view uint32) {
	RegisterMetrics()
	replicaView.WithLabelValues(node).Set(float64(view))
}

func SetLocalAru(node string, aru uint32) {
	RegisterMetrics()
	replicaAru.WithLabelValues(node).Set(float64(aru))
}

func RecordDatagramSent(node, kind string) {
	RegisterMetrics()
	transportSent.WithLabelValues(node, kind).Inc()
}

func RecordRetransmit(node string) {
	RegisterMetrics()
	transportRetransmits.WithLabelValues(node).Inc()
}

func RecordAckMatched(node string) {
	RegisterMetrics()
	transportAcks.WithLabelValues(node).Inc()
}

func SetOutstanding(node string, n int) {
	RegisterMetrics()
	transportOutstanding.WithLabelValues(node).Set(float64(n))
}
