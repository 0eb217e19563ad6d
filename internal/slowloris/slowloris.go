// Package slowloris implements the throughput and duration policing from
// spec.md §4.6: a connection is killed either for running too long overall,
// or for trickling too little data in a recent window.
package slowloris

import "time"

const (
	// MaxDuration is the absolute lifetime ceiling for a connection.
	MaxDuration = 120 * time.Second
	// CheckWindow is how often the throughput window is re-evaluated.
	CheckWindow = 5 * time.Second
	// MinBytesPerWindow is the floor of bytes that must accrue within a
	// CheckWindow for the connection to be considered live.
	MinBytesPerWindow = 100
)

// Policer tracks the state needed to evaluate both kill conditions for one
// connection. It holds no lock: a connection owns exactly one Policer and
// drives it from its own goroutine.
type Policer struct {
	start            time.Time
	lastCheck        time.Time
	bytesBuffered    int64
	bytesAtLastCheck int64
}

// New starts a Policer at now.
func New(now time.Time) *Policer {
	return &Policer{start: now, lastCheck: now}
}

// Verdict is the outcome of a policing check.
type Verdict int

const (
	Alive Verdict = iota
	KillDuration
	KillThroughput
)

// SetBuffered records the current size of the connection's input buffer.
// Unlike a cumulative byte counter, this is a gauge: it rises as bytes
// arrive and falls when the parser drains consumed bytes.
func (p *Policer) SetBuffered(n int64) {
	p.bytesBuffered = n
}

// Check evaluates both conditions at time now. It only re-evaluates the
// throughput window once CheckWindow has elapsed since the last check;
// otherwise it reports Alive for the throughput half and still checks
// total duration.
func (p *Policer) Check(now time.Time) Verdict {
	if now.Sub(p.start) > MaxDuration {
		return KillDuration
	}
	if now.Sub(p.lastCheck) < CheckWindow {
		return Alive
	}

	accrued := p.bytesBuffered - p.bytesAtLastCheck
	p.lastCheck = now
	p.bytesAtLastCheck = p.bytesBuffered

	// A negative delta means bytes were drained between checks without a
	// ResetWindow call - treated the same as too little throughput.
	if accrued < MinBytesPerWindow {
		return KillThroughput
	}
	return Alive
}

// ResetWindow rebases the throughput baseline to the current buffer size,
// used after a successful drain (e.g. the HTTP/2 input consumption path)
// so a legitimate large request already consumed does not trigger a false
// kill on the next window.
func (p *Policer) ResetWindow(now time.Time) {
	p.lastCheck = now
	p.bytesAtLastCheck = p.bytesBuffered
}
