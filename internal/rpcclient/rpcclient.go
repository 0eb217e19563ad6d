// Package rpcclient implements the bounded, synchronous JSON-RPC upstream
// call described in spec.md §4.12: a fresh TCP connection per call, Basic
// or cookie auth, a 4 MiB bounded response buffer, and a hand-rolled
// brace-depth parser instead of a full JSON unmarshal. The wire shape
// (jsonrpc 1.0 envelope, Basic-auth POST) is grounded on the Bitcoin
// Sprint example's request construction.
package rpcclient

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const maxResponseSize = 4 * 1024 * 1024

// Config describes one chain's upstream RPC endpoint.
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	CookieFile string
	Wallet     string
	Timeout    time.Duration

	// RateLimit caps outbound calls per second to this chain's node. 0
	// (the zero value) means unlimited.
	RateLimit float64
}

// Client is one chain's RPC client. It keeps per-client counters; a Manager
// aggregates these across chains.
type Client struct {
	cfg Config

	requests atomic.Int64
	errors   atomic.Int64

	idCounter atomic.Int64

	// limiter throttles outbound calls to the upstream node. nil means
	// unlimited. This is a distinct concern from internal/ratelimit's
	// inbound per-IP admission control: it protects the node we call, not
	// this server's own accept path.
	limiter *rate.Limiter
}

// New builds a Client for one chain.
func New(cfg Config) *Client {
	c := &Client{cfg: cfg}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// Result is the outcome of SendRawTransaction.
type Result struct {
	TxID  string
	Error string // node-returned JSON-RPC error message, empty on success
}

// SendRawTransaction performs the bounded synchronous POST described in
// spec.md §4.12, retrying once on 401/403 when cookie auth is configured.
func (c *Client) SendRawTransaction(hex string) (Result, error) {
	c.requests.Add(1)

	if c.limiter != nil && !c.limiter.Allow() {
		c.errors.Add(1)
		return Result{}, fmt.Errorf("rate limit exceeded for upstream rpc call")
	}

	res, status, err := c.doCall(hex)
	if err != nil {
		c.errors.Add(1)
		return Result{}, err
	}
	if (status == 401 || status == 403) && c.cfg.CookieFile != "" {
		res, status, err = c.doCall(hex)
		if err != nil {
			c.errors.Add(1)
			return Result{}, err
		}
	}
	if status < 200 || status >= 300 {
		c.errors.Add(1)
		return Result{}, fmt.Errorf("upstream returned status %d", status)
	}
	if res.Error != "" {
		c.errors.Add(1)
	}
	return res, nil
}

func (c *Client) doCall(hex string) (Result, int, error) {
	auth, err := c.authHeader()
	if err != nil {
		return Result{}, 0, err
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, c.cfg.Timeout)
	if err != nil {
		return Result{}, 0, fmt.Errorf("dial upstream: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.Timeout)
	_ = conn.SetDeadline(deadline)

	id := c.idCounter.Add(1)
	body := fmt.Sprintf(`{"jsonrpc":"1.0","id":%d,"method":"sendrawtransaction","params":["%s"]}`, id, hex)

	path := "/"
	if c.cfg.Wallet != "" {
		path = "/wallet/" + c.cfg.Wallet
	}

	req := fmt.Sprintf(
		"POST %s HTTP/1.1\r\nHost: %s\r\nAuthorization: Basic %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		path, c.cfg.Host, auth, len(body), body,
	)

	if _, err := conn.Write([]byte(req)); err != nil {
		return Result{}, 0, fmt.Errorf("writing request: %w", err)
	}

	status, respBody, err := readBoundedResponse(conn)
	if err != nil {
		return Result{}, status, err
	}

	result, rpcErr := parseJSONRPC(respBody)
	return Result{TxID: result, Error: rpcErr}, status, nil
}

func (c *Client) authHeader() (string, error) {
	user, pass := c.cfg.User, c.cfg.Password
	if c.cfg.CookieFile != "" {
		raw, err := os.ReadFile(c.cfg.CookieFile)
		if err != nil {
			return "", fmt.Errorf("reading cookie file: %w", err)
		}
		parts := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("malformed cookie file")
		}
		user, pass = parts[0], parts[1]
	}
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass)), nil
}

// readBoundedResponse reads an HTTP/1.1 response into a buffer capped at
// maxResponseSize, returns the status code and the body bytes.
func readBoundedResponse(conn net.Conn) (int, []byte, error) {
	r := bufio.NewReaderSize(conn, 4096)

	statusLine, err := r.ReadString('\n')
	if err != nil {
		return 0, nil, fmt.Errorf("reading status line: %w", err)
	}
	status := parseStatusCode(statusLine)

	var contentLength int64 = -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return status, nil, fmt.Errorf("reading headers: %w", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if idx := strings.IndexByte(trimmed, ':'); idx >= 0 {
			name := strings.TrimSpace(trimmed[:idx])
			if strings.EqualFold(name, "Content-Length") {
				if n, err := strconv.ParseInt(strings.TrimSpace(trimmed[idx+1:]), 10, 64); err == nil && n >= 0 {
					contentLength = n
				}
			}
		}
	}

	limit := int64(maxResponseSize)
	if contentLength >= 0 && contentLength < limit {
		limit = contentLength
	}

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for int64(len(buf)) < limit {
		n, err := r.Read(tmp)
		if n > 0 {
			remaining := limit - int64(len(buf))
			if int64(n) > remaining {
				n = int(remaining)
			}
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return status, buf, nil
}

func parseStatusCode(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return n
}

// parseJSONRPC extracts "result" and "error.message" from a JSON-RPC
// response body with a minimal hand-written scanner that tracks brace
// depth and string state, rather than a full unmarshal, per spec.md §4.12.
func parseJSONRPC(body []byte) (result string, errMsg string) {
	resultIdx := findKey(body, "result")
	if resultIdx >= 0 {
		result = extractStringValue(body, resultIdx)
	}
	errorIdx := findKey(body, "error")
	if errorIdx >= 0 {
		if msgIdx := findKey(body[errorIdx:], "message"); msgIdx >= 0 {
			errMsg = extractStringValue(body, errorIdx+msgIdx)
		}
	}
	return result, errMsg
}

// findKey locates the byte offset just after `"key":` outside of any
// string literal, respecting escape sequences and brace/bracket depth: only
// keys of the outermost object in body (depth 1) match.
func findKey(body []byte, key string) int {
	needle := []byte(`"` + key + `"`)
	inString := false
	escaped := false
	depth := 0

	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
		if c == '"' {
			if depth == 1 && matchAt(body, i, needle) {
				j := i + len(needle)
				for j < len(body) && (body[j] == ' ' || body[j] == '\t') {
					j++
				}
				if j < len(body) && body[j] == ':' {
					return j + 1
				}
			}
			inString = true
		}
	}
	return -1
}

func matchAt(body []byte, i int, needle []byte) bool {
	if i+len(needle) > len(body) {
		return false
	}
	for k := 0; k < len(needle); k++ {
		if body[i+k] != needle[k] {
			return false
		}
	}
	return true
}

// extractStringValue reads a JSON value starting at idx (skipping leading
// whitespace). Unquotes string values; returns "" for null and for any
// other non-string value (numbers, bools, objects), since callers only care
// about strings for result/error.message here.
func extractStringValue(body []byte, idx int) string {
	i := idx
	for i < len(body) && (body[i] == ' ' || body[i] == '\t') {
		i++
	}
	if i >= len(body) {
		return ""
	}
	if body[i] == 'n' { // null
		return ""
	}
	if body[i] != '"' {
		return ""
	}
	i++
	start := i
	var out []byte
	escaped := false
	for i < len(body) {
		c := body[i]
		if escaped {
			out = append(out, c)
			escaped = false
			i++
			continue
		}
		if c == '\\' {
			escaped = true
			i++
			continue
		}
		if c == '"' {
			break
		}
		out = append(out, c)
		i++
	}
	_ = start
	return string(out)
}

// RequestCount and ErrorCount expose per-client counters for metrics.
func (c *Client) RequestCount() int64 { return c.requests.Load() }
func (c *Client) ErrorCount() int64   { return c.errors.Load() }
