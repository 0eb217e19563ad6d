// Package conn implements the HTTP/1.1 connection state machine described
// in spec.md §4.5. Connections are modeled as goroutines rather than
// event-loop callbacks (sanctioned by spec.md §9's reimplementation note),
// each driving its own Connection through the same READING_HEADERS ->
// READING_BODY -> PROCESSING -> WRITING_RESPONSE -> (reset|close) states a
// callback-driven implementation would.
package conn

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nabbar/txrelay/internal/reqparse"
	"github.com/nabbar/txrelay/internal/slotpool"
	"github.com/nabbar/txrelay/internal/slowloris"
)

// State is one of the connection lifecycle states from spec.md §4.5.
type State int

const (
	ReadingHeaders State = iota
	ReadingBody
	Processing
	WritingResponse
	Closing
)

// Response is what a Handler produces for one request.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Handler routes a (method, path) to a Response. The connection state
// machine is handler-agnostic; the worker wires router.Classify and the
// staticfiles/rpcclient packages behind this function type.
type Handler func(method, path string) Response

// Deps are the dependencies every Connection shares with its sibling
// connections on the same worker.
type Deps struct {
	Pool           *slotpool.Pool
	MaxBufferSize  int
	LargeThreshold int
	HugeThreshold  int
	ReadTimeout    time.Duration
	WorkerID       int
	Handler        Handler
	Metrics        Metrics
	IDGen          *IDGenerator
}

// Metrics is the narrow subset of counters the state machine touches
// directly, kept as an interface so tests can supply a no-op stub.
type Metrics interface {
	CountParseError()
	CountTimeout()
	CountSlotPromotionFailure()
	CountSlowlorisKill()
	CountKeepAliveReuse()
	CountStatus(status int)
}

// NoopMetrics discards every call; used by tests and by callers that don't
// care about counters.
type NoopMetrics struct{}

func (NoopMetrics) CountParseError()           {}
func (NoopMetrics) CountTimeout()              {}
func (NoopMetrics) CountSlotPromotionFailure() {}
func (NoopMetrics) CountSlowlorisKill()        {}
func (NoopMetrics) CountKeepAliveReuse()       {}
func (NoopMetrics) CountStatus(int)            {}

// IDGenerator produces request ids of the form
// "{worker_id}-{monotonic-microseconds-hex}-{counter-hex}".
type IDGenerator struct {
	workerID int
	start    time.Time
	counter  atomic.Uint64
}

// NewIDGenerator builds a generator for one worker.
func NewIDGenerator(workerID int) *IDGenerator {
	return &IDGenerator{workerID: workerID, start: time.Now()}
}

// Next returns the next request id. The counter is worker-local and wraps
// naturally on overflow.
func (g *IDGenerator) Next() string {
	micros := uint64(time.Since(g.start).Microseconds())
	c := g.counter.Add(1)
	return fmt.Sprintf("%d-%x-%x", g.workerID, micros, c)
}

// Connection owns one TCP (or TLS) socket and drives it through the state
// machine. It is never touched from more than one goroutine.
type Connection struct {
	deps Deps
	nc   net.Conn

	state     State
	tier      slotpool.Tier
	slotHeld  bool
	keepAlive bool

	readBuf        []byte
	headersScanned int
	headersEnd     int
	contentLength  int64

	method string
	path   string

	clientAddr     string
	requestID      string
	requestsServed int

	policer *slowloris.Policer

	closed bool
}

// New creates a Connection in READING_HEADERS with a NORMAL slot already
// held (the caller must have acquired it during the accept admission
// sequence in spec.md §4.10 before calling New).
func New(nc net.Conn, deps Deps) *Connection {
	now := time.Now()
	c := &Connection{
		deps:       deps,
		nc:         nc,
		state:      ReadingHeaders,
		tier:       slotpool.Normal,
		slotHeld:   true,
		keepAlive:  true,
		clientAddr: remoteIP(nc),
		requestID:  deps.IDGen.Next(),
		policer:    slowloris.New(now),
	}
	return c
}

func remoteIP(nc net.Conn) string {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return nc.RemoteAddr().String()
	}
	return host
}

// Run drives the connection to completion: it loops reading, parsing,
// processing, and writing until a fatal transition or a non-keep-alive
// close, then releases whatever slot it still holds.
func (c *Connection) Run() {
	defer c.release()

	for !c.closed {
		switch c.state {
		case ReadingHeaders, ReadingBody:
			c.readTick()
		case Processing:
			c.process()
		case WritingResponse:
			// handled synchronously inside process(); state machine never
			// actually parks here between ticks.
			c.state = ReadingHeaders
		case Closing:
			c.closed = true
		}
	}
}

func (c *Connection) release() {
	if c.slotHeld {
		c.deps.Pool.Release(c.tier)
		c.slotHeld = false
	}
	_ = c.nc.Close()
}

func (c *Connection) fail(status int, countTimeout bool) {
	if countTimeout {
		c.deps.Metrics.CountTimeout()
	}
	if status > 0 {
		c.writeResponse(Response{Status: status, ContentType: "text/plain", Body: []byte(statusText(status))})
	}
	c.state = Closing
}

func (c *Connection) readTick() {
	_ = c.nc.SetReadDeadline(time.Now().Add(c.deps.ReadTimeout))

	tmp := make([]byte, 4096)
	n, err := c.nc.Read(tmp)
	if n > 0 {
		c.readBuf = append(c.readBuf, tmp[:n]...)
		c.policer.SetBuffered(int64(len(c.readBuf)))
	}

	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.fail(408, true)
			return
		}
		// EOF or other error: fatal, not counted as a parse error.
		c.state = Closing
		return
	}

	now := time.Now()
	switch c.policer.Check(now) {
	case slowloris.KillDuration, slowloris.KillThroughput:
		c.deps.Metrics.CountSlowlorisKill()
		c.state = Closing
		return
	}

	if len(c.readBuf) > c.deps.MaxBufferSize {
		c.fail(413, false)
		return
	}

	target := slotpool.TierFor(len(c.readBuf), c.deps.LargeThreshold, c.deps.HugeThreshold)
	if target > c.tier {
		if !c.deps.Pool.Promote(c.tier, target) {
			c.deps.Metrics.CountSlotPromotionFailure()
			c.fail(503, false)
			return
		}
		c.tier = target
	}

	switch c.state {
	case ReadingHeaders:
		c.tickHeaders()
	case ReadingBody:
		c.tickBody()
	}
}

func (c *Connection) tickHeaders() {
	end, found := reqparse.HeaderEnd(c.readBuf)
	if !found {
		c.headersScanned = max(0, len(c.readBuf)-3)
		return
	}
	c.headersEnd = end

	headerBlock := string(c.readBuf[:end])
	lines := strings.Split(headerBlock, "\n")
	if len(lines) == 0 {
		c.deps.Metrics.CountParseError()
		c.fail(400, false)
		return
	}

	rl := reqparse.ParseRequestLine(lines[0])
	if !rl.Valid {
		c.deps.Metrics.CountParseError()
		c.fail(400, false)
		return
	}
	c.method = rl.Method
	c.path = rl.Path

	if !earlyPathValid(rl.Path) {
		c.fail(400, false)
		return
	}

	var contentLength int64
	keepAlive := true
	for _, line := range lines[1:] {
		h, ok := reqparse.SplitHeaderLine(line)
		if !ok {
			continue
		}
		switch {
		case strings.EqualFold(h.Name, "Content-Length"):
			contentLength = reqparse.ContentLength(h.Value)
		case strings.EqualFold(h.Name, "Connection"):
			keepAlive = reqparse.KeepAlive(h.Value)
		}
	}
	c.contentLength = contentLength
	c.keepAlive = keepAlive

	c.readBuf = c.readBuf[end:]
	c.headersScanned = 0
	c.policer.SetBuffered(int64(len(c.readBuf)))
	c.policer.ResetWindow(time.Now())

	if contentLength > 0 {
		c.state = ReadingBody
		c.tickBody()
		return
	}
	c.demoteToNormal()
	c.state = Processing
}

func (c *Connection) tickBody() {
	if int64(len(c.readBuf)) < c.contentLength {
		return
	}
	c.readBuf = c.readBuf[c.contentLength:]
	c.policer.SetBuffered(int64(len(c.readBuf)))
	c.policer.ResetWindow(time.Now())
	c.demoteToNormal()
	c.state = Processing
}

// demoteToNormal frees the expensive slot as soon as headers/body are
// fully consumed and before writing begins, per spec.md §4.5. If the
// normal tier cannot be reacquired, the connection is marked slot-not-held
// and will be closed rather than left in an inconsistent accounting state.
func (c *Connection) demoteToNormal() {
	if c.tier == slotpool.Normal {
		return
	}
	c.deps.Pool.Release(c.tier)
	if c.deps.Pool.Acquire(slotpool.Normal) {
		c.tier = slotpool.Normal
		return
	}
	if c.deps.Pool.Acquire(c.tier) {
		// stay at the higher tier; normal was full.
		return
	}
	c.slotHeld = false
}

func (c *Connection) process() {
	if !c.slotHeld {
		// demoteToNormal could keep no slot at all: close without a response.
		c.state = Closing
		return
	}
	resp := c.deps.Handler(c.method, c.path)
	c.writeResponse(resp)
	c.requestsServed++

	if c.keepAlive {
		// Only a request that begins on an already-served connection is a
		// "reuse" (spec.md §8.5); the first request on a fresh connection
		// is not one, even though it also ends in a keep-alive reset.
		if c.requestsServed > 1 {
			c.deps.Metrics.CountKeepAliveReuse()
		}
		c.reset()
	} else {
		c.state = Closing
	}
}

func (c *Connection) writeResponse(resp Response) {
	c.deps.Metrics.CountStatus(resp.Status)

	connHeader := "close"
	if c.keepAlive {
		connHeader = "keep-alive"
	}

	setCork(c.nc, true)
	header := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nCache-Control: no-store\r\nX-Request-ID: %s\r\nConnection: %s\r\n\r\n",
		resp.Status, statusText(resp.Status), resp.ContentType, len(resp.Body), c.requestID, connHeader,
	)
	out := make([]byte, 0, len(header)+len(resp.Body))
	out = append(out, header...)
	out = append(out, resp.Body...)
	_, _ = c.nc.Write(out)
	setCork(c.nc, false)
}

// reset prepares the connection for a subsequent keep-alive request:
// cursors cleared, new request id, tier forced back to NORMAL.
func (c *Connection) reset() {
	c.readBuf = nil
	c.headersScanned = 0
	c.headersEnd = 0
	c.contentLength = 0
	c.method = ""
	c.path = ""
	c.requestID = c.deps.IDGen.Next()
	c.policer = slowloris.New(time.Now())

	if c.tier != slotpool.Normal {
		c.deps.Pool.Release(c.tier)
		c.tier = slotpool.Normal
		c.slotHeld = false
	}
	if !c.slotHeld {
		if c.deps.Pool.Acquire(slotpool.Normal) {
			c.slotHeld = true
		} else {
			c.state = Closing
			return
		}
	}
	c.state = ReadingHeaders
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// earlyPathValid applies spec.md §4.5's cheap lookup-table check: paths
// longer than 64 bytes that are not under "/tx/" must be pure hex.
func earlyPathValid(path string) bool {
	if !reqparse.PathEarlyValid(path) {
		return false
	}
	if len(path) <= 64 || strings.HasPrefix(path, "/tx/") {
		return true
	}
	for i := 1; i < len(path); i++ {
		c := path[i]
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return false
		}
	}
	return true
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 413:
		return "Payload Too Large"
	case 429:
		return "Too Many Requests"
	case 503:
		return "Service Unavailable"
	default:
		return strconv.Itoa(code)
	}
}
