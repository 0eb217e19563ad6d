package rpcclient

import (
	"sort"
	"sync/atomic"
)

// Manager aggregates one Client per configured chain, plus the
// per-manager total/success/failure counters spec.md §4.12 calls for.
type Manager struct {
	clients map[string]*Client

	// defaultChain is the chain SPEC_FULL.md §4.1's bare-hex BROADCAST
	// route (no chain segment in the path) dispatches to: the
	// lexicographically first configured chain name, for a deterministic
	// "first configured" with no on-disk section ordering to rely on.
	defaultChain string

	total   atomic.Int64
	success atomic.Int64
	failure atomic.Int64
}

// NewManager builds a Manager from a chain-name -> Config map.
func NewManager(chains map[string]Config) *Manager {
	m := &Manager{clients: make(map[string]*Client, len(chains))}
	names := make([]string, 0, len(chains))
	for name, cfg := range chains {
		m.clients[name] = New(cfg)
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		m.defaultChain = names[0]
	}
	return m
}

// DefaultChain returns the chain a chain-less broadcast path should use, or
// "" if no chain is configured.
func (m *Manager) DefaultChain() string {
	return m.defaultChain
}

// Broadcast dispatches a raw transaction hex to the named chain's client.
func (m *Manager) Broadcast(chain, hex string) (Result, error) {
	m.total.Add(1)
	c, ok := m.clients[chain]
	if !ok {
		m.failure.Add(1)
		return Result{}, ErrUnknownChain(chain)
	}
	res, err := c.SendRawTransaction(hex)
	if err != nil || res.Error != "" {
		m.failure.Add(1)
		return res, err
	}
	m.success.Add(1)
	return res, nil
}

// Totals exposes the manager's aggregate counters for metrics.
func (m *Manager) Totals() (total, success, failure int64) {
	return m.total.Load(), m.success.Load(), m.failure.Load()
}

// ErrUnknownChain reports a broadcast request for an unconfigured chain.
type ErrUnknownChain string

func (e ErrUnknownChain) Error() string {
	return "unknown rpc chain: " + string(e)
}
