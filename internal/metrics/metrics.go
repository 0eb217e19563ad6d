// Package metrics wires the server's counters and gauges directly to
// Prometheus client types, since the teacher's own prometheus package is
// test-only scaffolding rather than a reusable registration helper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set is one worker's complete collection of counters and gauges. Each
// worker process registers its own Set against its own registry; the
// /metrics endpoint serves that process's registry only.
type Set struct {
	Registry *prometheus.Registry

	ConnectionsAccepted   prometheus.Counter
	ConnectionsRejectedIP *prometheus.CounterVec // labeled "blocked"|"rated"|"overload"
	SlotOccupancy         *prometheus.GaugeVec   // labeled by tier
	SlowlorisKills        prometheus.Counter
	KeepAliveReuses       prometheus.Counter
	StatusClass           *prometheus.CounterVec // labeled "2xx","3xx","4xx","5xx"
	ErrorsParse           prometheus.Counter
	ErrorsTimeout         prometheus.Counter
	ErrorsTLS             prometheus.Counter
	TLSHandshakeErrors    prometheus.Counter
	SlotPromotionFailures prometheus.Counter
	H2StreamsOpened       prometheus.Counter
	H2StreamsActive       prometheus.Gauge
	H2RSTStream           prometheus.Counter
	H2GoAway              prometheus.Counter
	RPCRequestsTotal      *prometheus.CounterVec // labeled by chain
	RPCFailuresTotal      *prometheus.CounterVec // labeled by chain
	CertExpiry            prometheus.Gauge
}

// New builds a fresh Set backed by its own registry, so multiple worker
// processes never collide on global Prometheus default-registry state.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Registry: reg,
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_connections_accepted_total",
			Help: "Total connections accepted by this worker.",
		}),
		ConnectionsRejectedIP: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txrelay_connections_rejected_total",
			Help: "Connections rejected at accept time, by reason.",
		}, []string{"reason"}),
		SlotOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txrelay_slot_occupancy",
			Help: "Current slot occupancy per tier.",
		}, []string{"tier"}),
		SlowlorisKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_slowloris_kills_total",
			Help: "Connections killed by the slowloris policer.",
		}),
		KeepAliveReuses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_keepalive_reuses_total",
			Help: "Connections reset for a subsequent keep-alive request.",
		}),
		StatusClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txrelay_status_class_total",
			Help: "Responses by status class.",
		}, []string{"class"}),
		ErrorsParse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_errors_parse_total",
			Help: "Malformed request line or header errors.",
		}),
		ErrorsTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_errors_timeout_total",
			Help: "Read timeout errors.",
		}),
		ErrorsTLS: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_errors_tls_total",
			Help: "TLS session errors.",
		}),
		TLSHandshakeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_tls_handshake_errors_total",
			Help: "TLS handshake failures.",
		}),
		SlotPromotionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_slot_promotion_failures_total",
			Help: "Tier promotion failures mid-request.",
		}),
		H2StreamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_h2_streams_opened_total",
			Help: "HTTP/2 streams opened.",
		}),
		H2StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "txrelay_h2_streams_active",
			Help: "HTTP/2 streams currently open.",
		}),
		H2RSTStream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_h2_rst_stream_total",
			Help: "RST_STREAM frames sent.",
		}),
		H2GoAway: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_h2_goaway_total",
			Help: "GOAWAY frames sent.",
		}),
		RPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txrelay_rpc_requests_total",
			Help: "Upstream RPC requests, by chain.",
		}, []string{"chain"}),
		RPCFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txrelay_rpc_failures_total",
			Help: "Upstream RPC failures, by chain.",
		}, []string{"chain"}),
		CertExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "txrelay_tls_cert_expiry_seconds",
			Help: "Unix timestamp of the loaded certificate's expiry.",
		}),
	}

	reg.MustRegister(
		s.ConnectionsAccepted, s.ConnectionsRejectedIP, s.SlotOccupancy,
		s.SlowlorisKills, s.KeepAliveReuses, s.StatusClass,
		s.ErrorsParse, s.ErrorsTimeout, s.ErrorsTLS, s.TLSHandshakeErrors,
		s.SlotPromotionFailures, s.H2StreamsOpened, s.H2StreamsActive,
		s.H2RSTStream, s.H2GoAway, s.RPCRequestsTotal, s.RPCFailuresTotal,
		s.CertExpiry,
	)
	return s
}

// StatusClassLabel buckets an HTTP status code into "2xx"/"3xx"/"4xx"/"5xx".
func StatusClassLabel(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
