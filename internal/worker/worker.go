// Package worker implements the per-core event loop described in spec.md
// §4.10: two listeners (plain and TLS), the accept admission sequence, and
// the signal-driven drain/reload behavior. Connections are driven as
// goroutines (see internal/conn's doc comment) rather than readiness
// callbacks, which is the idiomatic-Go rendering sanctioned by spec.md §9.
package worker

import (
	"bytes"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/common/expfmt"
	"golang.org/x/net/http2"
	"golang.org/x/sys/unix"

	"github.com/nabbar/txrelay/internal/acl"
	"github.com/nabbar/txrelay/internal/conn"
	"github.com/nabbar/txrelay/internal/h2session"
	"github.com/nabbar/txrelay/internal/logging"
	"github.com/nabbar/txrelay/internal/metrics"
	"github.com/nabbar/txrelay/internal/ratelimit"
	"github.com/nabbar/txrelay/internal/router"
	"github.com/nabbar/txrelay/internal/rpcclient"
	"github.com/nabbar/txrelay/internal/slotpool"
	"github.com/nabbar/txrelay/internal/staticfiles"
	"github.com/nabbar/txrelay/internal/tlsmgr"
)

// Config bundles everything one worker needs, already resolved from the
// parsed on-disk configuration.
type Config struct {
	ID int

	ListenPlain string
	ListenTLS   string
	EnableHTTP2 bool

	MaxBufferSize int
	ReadTimeout   time.Duration

	LargeThreshold int
	HugeThreshold  int

	MaxNormal, MaxLarge, MaxHuge int

	RateLimitRate, RateLimitBurst float64

	BlockList *acl.List
	AllowList *acl.List

	TLS *tlsmgr.Manager

	Static *staticfiles.Set
	RPC    *rpcclient.Manager

	Log *logging.Logger
}

// Worker owns one process's slot pool, rate limiter, listeners, and live
// connection count. No state here is ever touched by another worker.
type Worker struct {
	cfg     Config
	pool    *slotpool.Pool
	limiter *ratelimit.Limiter
	metrics *metrics.Set
	idGen   *conn.IDGenerator

	draining atomic.Bool
	active   atomic.Int64

	plainLn net.Listener
	tlsLn   net.Listener

	h2srv *http2.Server
}

// New builds a Worker ready to Run.
func New(cfg Config) *Worker {
	return &Worker{
		cfg:     cfg,
		pool:    slotpool.New(cfg.MaxNormal, cfg.MaxLarge, cfg.MaxHuge),
		limiter: ratelimit.New(cfg.RateLimitRate, cfg.RateLimitBurst),
		metrics: metrics.New(),
		idGen:   conn.NewIDGenerator(cfg.ID),
		h2srv:   h2session.NewServer(),
	}
}

// Run opens both listeners, installs signal handlers, and blocks until the
// worker drains to zero connections following SIGUSR1, or a fatal listener
// error occurs.
func (w *Worker) Run() error {
	var err error
	w.plainLn, err = listenReusePort("tcp", w.cfg.ListenPlain)
	if err != nil {
		return err
	}
	if w.cfg.ListenTLS != "" && w.cfg.TLS != nil {
		w.tlsLn, err = listenReusePort("tcp", w.cfg.ListenTLS)
		if err != nil {
			return err
		}
	}

	pinToCPU(w.cfg.ID)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGPIPE)
	go w.signalLoop(sigCh)

	go w.cleanupLoop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.acceptLoop(w.plainLn, false)
	}()
	if w.tlsLn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.acceptLoop(w.tlsLn, true)
		}()
	}
	wg.Wait()
	for w.active.Load() > 0 {
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

func (w *Worker) signalLoop(sigCh chan os.Signal) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			w.drain()
		case syscall.SIGUSR2:
			if w.cfg.TLS != nil {
				if err := w.cfg.TLS.Reload(); err != nil {
					w.cfg.Log.Errorf("tls reload failed: %v", err)
				}
			}
		case syscall.SIGPIPE:
			// ignored, matching spec.md §6.
		}
	}
}

// drain stops accepting new connections; existing connections finish
// naturally and the event loop exits once active reaches zero.
func (w *Worker) drain() {
	w.draining.Store(true)
	if w.plainLn != nil {
		_ = w.plainLn.Close()
	}
	if w.tlsLn != nil {
		_ = w.tlsLn.Close()
	}
}

func (w *Worker) cleanupLoop() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for range t.C {
		w.limiter.Cleanup()
	}
}

func (w *Worker) acceptLoop(ln net.Listener, isTLS bool) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if w.draining.Load() {
				return
			}
			if isTemporary(err) {
				continue
			}
			return
		}
		go w.admit(nc, isTLS)
	}
}

// admit runs the accept admission sequence from spec.md §4.10, steps 1-7.
func (w *Worker) admit(nc net.Conn, isTLS bool) {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	if w.draining.Load() {
		_ = nc.Close()
		return
	}

	ip := remoteIP(nc)
	switch acl.Check(w.cfg.BlockList, w.cfg.AllowList, ip) {
	case acl.Block:
		w.metrics.ConnectionsRejectedIP.WithLabelValues("blocked").Inc()
		_ = nc.Close()
		return
	case acl.Allow:
		// skip rate-limit check per spec.md §4.10 step 3.
	default:
		if !w.limiter.Allow(ip) {
			w.metrics.ConnectionsRejectedIP.WithLabelValues("rated").Inc()
			_ = nc.Close()
			return
		}
	}

	if !w.pool.Acquire(slotpool.Normal) {
		w.metrics.ConnectionsRejectedIP.WithLabelValues("overload").Inc()
		_ = nc.Close()
		return
	}

	if isTLS {
		tlsConn := tls.Server(nc, w.cfg.TLS.Config())
		if err := tlsConn.Handshake(); err != nil {
			w.metrics.TLSHandshakeErrors.Inc()
			w.metrics.ErrorsTLS.Inc()
			w.pool.Release(slotpool.Normal)
			_ = nc.Close()
			return
		}
		proto := tlsmgr.NegotiatedProtocol(tlsConn.ConnectionState())
		if proto == "h2" {
			w.serveHTTP2(tlsConn)
			w.pool.Release(slotpool.Normal)
			return
		}
		nc = tlsConn
	}

	w.metrics.ConnectionsAccepted.Inc()
	w.active.Add(1)
	defer w.active.Add(-1)

	c := conn.New(nc, conn.Deps{
		Pool:           w.pool,
		MaxBufferSize:  w.cfg.MaxBufferSize,
		LargeThreshold: w.cfg.LargeThreshold,
		HugeThreshold:  w.cfg.HugeThreshold,
		ReadTimeout:    w.cfg.ReadTimeout,
		WorkerID:       w.cfg.ID,
		Handler:        w.handle,
		Metrics:        connMetrics{w.metrics},
		IDGen:          w.idGen,
	})
	c.Run()
}

func (w *Worker) serveHTTP2(nc net.Conn) {
	w.active.Add(1)
	defer w.active.Add(-1)

	h := h2session.NewHandler(h2session.Deps{
		Pool:           w.pool,
		LargeThreshold: w.cfg.LargeThreshold,
		HugeThreshold:  w.cfg.HugeThreshold,
		Handler:        w.handle,
		Metrics:        h2Metrics{w.metrics},
	})
	w.h2srv.ServeConn(nc, &http2.ServeConnOpts{Handler: h})
}

// handle is the single route dispatcher shared by both the HTTP/1.1 state
// machine and the HTTP/2 handler.
func (w *Worker) handle(method, path string) conn.Response {
	route := router.Classify(path)
	switch route {
	case router.Home:
		p, _ := w.cfg.Static.Page("home")
		return conn.Response{Status: 200, ContentType: p.ContentType, Body: p.Body}
	case router.FixedEndpoint:
		return w.handleFixed(path)
	case router.AcmeChallenge:
		return w.handleAcme(path)
	case router.Result:
		p := w.cfg.Static.Broadcast()
		return conn.Response{Status: 200, ContentType: p.ContentType, Body: p.Body}
	case router.Broadcast:
		return w.handleBroadcast(path)
	default:
		return conn.Response{Status: 404, ContentType: "text/plain", Body: []byte("not found")}
	}
}

func (w *Worker) handleFixed(path string) conn.Response {
	switch path {
	case "/health", "/ready", "/alive":
		return conn.Response{Status: 200, ContentType: "application/json", Body: []byte(`{"status":"ok"}`)}
	case "/version":
		return conn.Response{Status: 200, ContentType: "text/plain", Body: []byte("txrelay")}
	case "/metrics":
		return w.handleMetrics()
	default:
		name := path[1:]
		if p, ok := w.cfg.Static.Page(name); ok {
			return conn.Response{Status: 200, ContentType: p.ContentType, Body: p.Body}
		}
		return conn.Response{Status: 404, ContentType: "text/plain", Body: []byte("not found")}
	}
}

func (w *Worker) handleAcme(path string) conn.Response {
	token, ok := router.AcmeToken(path)
	if !ok {
		return conn.Response{Status: 400, ContentType: "text/plain", Body: []byte("bad request")}
	}
	body, err := w.cfg.Static.ChallengeFile(token)
	if err != nil {
		return conn.Response{Status: 404, ContentType: "text/plain", Body: []byte("not found")}
	}
	return conn.Response{Status: 200, ContentType: "text/plain", Body: body}
}

// handleBroadcast extracts the hex payload and dispatches it to the RPC
// manager (spec.md §4.12): the bare "/{hex}" form (spec.md §4.8 rule 6)
// uses the first configured chain, and the "/tx/<chain>/<hex>" form
// (SPEC_FULL.md §4.1's multi-chain fan-in) uses the named chain.
func (w *Worker) handleBroadcast(path string) conn.Response {
	chain, hex, hasChainPrefix := splitChainHex(path)
	if !hasChainPrefix {
		hex = path[1:]
		chain = w.cfg.RPC.DefaultChain()
	}
	if chain == "" {
		return conn.Response{Status: 503, ContentType: "application/json", Body: []byte(`{"error":"no rpc chain configured"}`)}
	}
	res, err := w.cfg.RPC.Broadcast(chain, hex)
	if err != nil {
		return conn.Response{Status: 502, ContentType: "application/json", Body: []byte(`{"error":"` + err.Error() + `"}`)}
	}
	if res.Error != "" {
		return conn.Response{Status: 400, ContentType: "application/json", Body: []byte(`{"error":"` + res.Error + `"}`)}
	}
	return conn.Response{Status: 200, ContentType: "application/json", Body: []byte(`{"txid":"` + res.TxID + `"}`)}
}

func (w *Worker) handleMetrics() conn.Response {
	mfs, err := w.metrics.Registry.Gather()
	if err != nil {
		return conn.Response{Status: 500, ContentType: "text/plain", Body: []byte("metrics unavailable")}
	}
	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return conn.Response{Status: 500, ContentType: "text/plain", Body: []byte("metrics unavailable")}
		}
	}
	return conn.Response{Status: 200, ContentType: "text/plain; version=0.0.4", Body: buf.Bytes()}
}

// splitChainHex splits a "/tx/<chain>/<hex>" path into its chain and hex
// parts. It returns ok=false for the bare "/{hex}" form, which carries no
// chain segment at all and is the caller's cue to use the default chain.
func splitChainHex(path string) (chain, hex string, ok bool) {
	rest, hasTxPrefix := strings.CutPrefix(path, "/tx/")
	if !hasTxPrefix {
		return "", "", false
	}
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

func remoteIP(nc net.Conn) string {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return nc.RemoteAddr().String()
	}
	return host
}

func isTemporary(err error) bool {
	type temporary interface{ Temporary() bool }
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}
	return false
}

// pinToCPU makes a best-effort attempt to bind the worker's main OS thread
// to one CPU core, per spec.md §4.10. runtime.LockOSThread ensures this
// goroutine keeps that thread; SchedSetaffinity does the actual pinning
// and is allowed to fail silently, since the spec only asks for best
// effort, not a hard guarantee.
func pinToCPU(workerID int) {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(workerID % runtime.NumCPU())
	_ = unix.SchedSetaffinity(0, &set)
}

type connMetrics struct{ s *metrics.Set }

func (m connMetrics) CountParseError()           { m.s.ErrorsParse.Inc() }
func (m connMetrics) CountTimeout()              { m.s.ErrorsTimeout.Inc() }
func (m connMetrics) CountSlotPromotionFailure() { m.s.SlotPromotionFailures.Inc() }
func (m connMetrics) CountSlowlorisKill()        { m.s.SlowlorisKills.Inc() }
func (m connMetrics) CountKeepAliveReuse()       { m.s.KeepAliveReuses.Inc() }
func (m connMetrics) CountStatus(status int) {
	m.s.StatusClass.WithLabelValues(metrics.StatusClassLabel(status)).Inc()
}

type h2Metrics struct{ s *metrics.Set }

func (m h2Metrics) CountH2StreamOpened() { m.s.H2StreamsOpened.Inc() }
func (m h2Metrics) IncH2StreamsActive()  { m.s.H2StreamsActive.Inc() }
func (m h2Metrics) DecH2StreamsActive()  { m.s.H2StreamsActive.Dec() }
func (m h2Metrics) CountH2RSTStream()    { m.s.H2RSTStream.Inc() }
func (m h2Metrics) CountH2GoAway()       { m.s.H2GoAway.Inc() }
func (m h2Metrics) CountStatus(status int) {
	m.s.StatusClass.WithLabelValues(metrics.StatusClassLabel(status)).Inc()
}
