package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trilink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total operator HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trilink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Operator HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	linksOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trilink",
			Subsystem: "link",
			Name:      "opened_total",
			Help:      "Links registered with a reactor.",
		},
		[]string{"node", "role"},
	)
	linksClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trilink",
			Subsystem: "link",
			Name:      "closed_total",
			Help:      "Links cancelled, by cause class.",
		},
		[]string{"node", "role", "cause"},
	)
	linksActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trilink",
			Subsystem: "link",
			Name:      "active",
			Help:      "Links currently registered.",
		},
		[]string{"node", "role"},
	)
	admissionRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trilink",
			Subsystem: "admission",
			Name:      "rejected_total",
			Help:      "Connections or dispatches refused by the admission gate.",
		},
		[]string{"node", "reason"},
	)
	packages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trilink",
			Subsystem: "package",
			Name:      "total",
			Help:      "Packages framed on links.",
		},
		[]string{"node", "kind", "direction"},
	)
	packageBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trilink",
			Subsystem: "package",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes framed on links.",
		},
		[]string{"node", "kind", "direction"},
	)
	heartbeatIdle = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trilink",
			Subsystem: "heartbeat",
			Name:      "idle_total",
			Help:      "Links found idle by a heartbeat sweep.",
		},
		[]string{"node", "role", "action"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trilink",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Command link re-dial outcomes.",
		},
		[]string{"node", "outcome"},
	)
	pendingExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trilink",
			Subsystem: "session",
			Name:      "pending_expired_total",
			Help:      "Split package halves dropped before their partner arrived.",
		},
		[]string{"node"},
	)
	dispatchWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trilink",
			Subsystem: "reactor",
			Name:      "dispatch_seconds",
			Help:      "Worker time spent on one read or write dispatch.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "op"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			linksOpened, linksClosed, linksActive,
			admissionRejected,
			packages, packageBytes,
			heartbeatIdle, reconnects, pendingExpired,
			dispatchWait,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordLinkOpened(node, role string) {
	RegisterMetrics()
	linksOpened.WithLabelValues(node, role).Inc()
	linksActive.WithLabelValues(node, role).Inc()
}

func RecordLinkClosed(node, role, cause string) {
	RegisterMetrics()
	linksClosed.WithLabelValues(node, role, cause).Inc()
	linksActive.WithLabelValues(node, role).Dec()
}

func RecordAdmissionRejected(node, reason string) {
	RegisterMetrics()
	admissionRejected.WithLabelValues(node, reason).Inc()
}

// RecordPackage counts one framed package; direction is "in" or "out".
func RecordPackage(node, kind, direction string, size uint64) {
	RegisterMetrics()
	packages.WithLabelValues(node, kind, direction).Inc()
	packageBytes.WithLabelValues(node, kind, direction).Add(float64(size))
}

func RecordHeartbeatIdle(node, role, action string) {
	RegisterMetrics()
	heartbeatIdle.WithLabelValues(node, role, action).Inc()
}

func RecordReconnect(node string, success bool) {
	RegisterMetrics()
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	reconnects.WithLabelValues(node, outcome).Inc()
}

func RecordPendingExpired(node string, n int) {
	RegisterMetrics()
	pendingExpired.WithLabelValues(node).Add(float64(n))
}

func RecordDispatch(node, op string, duration time.Duration) {
	RegisterMetrics()
	dispatchWait.WithLabelValues(node, op).Observe(duration.Seconds())
}
