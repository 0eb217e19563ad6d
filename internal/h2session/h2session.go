// Package h2session implements the HTTP/2 half of spec.md §4.7. Rather than
// hand-rolling a frame parser and stream table, it reuses
// golang.org/x/net/http2's http2.Server over a raw connection and does the
// spec's per-stream slot accounting from inside a net/http.Handler: since
// :path and content-length are fully known before the handler runs, the
// "when :path arrives, promote" rule from the spec collapses into a single
// acquire-then-promote at the top of ServeHTTP.
//
// This means RST_STREAM and GOAWAY are not directly controllable from
// handler-level code the way the original source's frame-level state
// machine could; slot refusals surface as a plain error status instead of
// a framing-layer RST_STREAM, and a fatal session error relies on the
// underlying http2.Server's own GOAWAY behavior on connection close. This
// is a deliberate, documented narrowing of an open question noted in
// spec.md §9.
package h2session

import (
	"net/http"

	"golang.org/x/net/http2"

	"github.com/nabbar/txrelay/internal/conn"
	"github.com/nabbar/txrelay/internal/slotpool"
)

// MaxConcurrentStreams matches spec.md §6's default SETTINGS value.
const MaxConcurrentStreams = 100

// InitialWindowSize matches spec.md §6's default SETTINGS value.
const InitialWindowSize = 1 << 20

// Metrics is the subset of counters the HTTP/2 path touches.
type Metrics interface {
	CountH2StreamOpened()
	IncH2StreamsActive()
	DecH2StreamsActive()
	CountH2RSTStream()
	CountH2GoAway()
	CountStatus(status int)
}

// Deps are the dependencies one worker's HTTP/2 handler needs.
type Deps struct {
	Pool           *slotpool.Pool
	LargeThreshold int
	HugeThreshold  int
	Handler        conn.Handler
	Metrics        Metrics
}

// NewServer builds the shared http2.Server for a worker, with the SETTINGS
// defaults from spec.md §6.
func NewServer() *http2.Server {
	return &http2.Server{
		MaxConcurrentStreams:     MaxConcurrentStreams,
		MaxUploadBufferPerStream: InitialWindowSize,
	}
}

// NewHandler builds the net/http.Handler every HTTP/2 connection is served
// with via http2.Server.ServeConn.
func NewHandler(deps Deps) http.Handler {
	return &handler{deps: deps}
}

type handler struct {
	deps Deps
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if !h.deps.Pool.Acquire(slotpool.Normal) {
		h.refuse(w, 503)
		return
	}
	tier := slotpool.Normal
	defer func() { h.deps.Pool.Release(tier) }()

	target := slotpool.TierFor(len(path), h.deps.LargeThreshold, h.deps.HugeThreshold)
	if target != slotpool.Normal {
		if !h.deps.Pool.Promote(slotpool.Normal, target) {
			h.refuse(w, 503)
			return
		}
		tier = target
	}

	h.deps.Metrics.CountH2StreamOpened()
	h.deps.Metrics.IncH2StreamsActive()
	defer h.deps.Metrics.DecH2StreamsActive()

	// content-length is recorded for metrics only, per spec.md §4.7; the
	// handler never reads r.Body, and the http2 server discards whatever
	// body remains unread once ServeHTTP returns.
	_ = r.ContentLength

	resp := h.deps.Handler(r.Method, path)
	h.deps.Metrics.CountStatus(resp.Status)
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (h *handler) refuse(w http.ResponseWriter, status int) {
	h.deps.Metrics.CountH2RSTStream()
	h.deps.Metrics.CountStatus(status)
	w.WriteHeader(status)
}
