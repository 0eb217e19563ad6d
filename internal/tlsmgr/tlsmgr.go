// Package tlsmgr builds and hot-reloads the TLS server context described in
// spec.md §4.9, grounded on the teacher's certificates package pattern of
// holding a loaded cert pair behind a swappable handle.
package tlsmgr

import (
	"crypto/tls"
	"crypto/x509"
	"sync/atomic"
	"time"
)

// Manager holds an atomically swappable *tls.Config plus the expiry of the
// currently loaded leaf certificate.
type Manager struct {
	current atomic.Pointer[tls.Config]
	expiry  atomic.Int64
	certFile, keyFile string
	enableH2 bool
}

// New loads certFile/keyFile and builds the initial context.
func New(certFile, keyFile string, enableH2 bool) (*Manager, error) {
	m := &Manager{certFile: certFile, keyFile: keyFile, enableH2: enableH2}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload loads a fresh certificate pair and atomically swaps the active
// config. Existing connections keep their already-negotiated session; only
// subsequent handshakes see the new context. Triggered by SIGUSR2.
func (m *Manager) Reload() error {
	cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return err
	}

	nextProtos := []string{"http/1.1"}
	if m.enableH2 {
		nextProtos = []string{"h2", "http/1.1"}
	}

	cfg := &tls.Config{
		Certificates:             []tls.Certificate{cert},
		MinVersion:               tls.VersionTLS12,
		PreferServerCipherSuites: true,
		NextProtos:               nextProtos,
	}
	m.current.Store(cfg)

	if len(cert.Certificate) > 0 {
		if leaf, parseErr := x509.ParseCertificate(cert.Certificate[0]); parseErr == nil {
			m.expiry.Store(leaf.NotAfter.Unix())
		}
	}
	return nil
}

// Config returns the currently active TLS config for new handshakes.
func (m *Manager) Config() *tls.Config {
	return m.current.Load()
}

// CertExpiry returns the Unix timestamp of the loaded leaf certificate's
// expiry, for the /metrics gauge. Zero if unknown.
func (m *Manager) CertExpiry() int64 {
	return m.expiry.Load()
}

// NegotiatedProtocol inspects a completed handshake's connection state and
// returns "h2" or "http/1.1" (never empty) per the ALPN selection policy:
// h2 preferred when enabled and offered, else http/1.1, else no-ack.
func NegotiatedProtocol(state tls.ConnectionState) string {
	if state.NegotiatedProtocol != "" {
		return state.NegotiatedProtocol
	}
	return "http/1.1"
}

// TimeUntilExpiry is a small helper for logging/alerting call sites.
func (m *Manager) TimeUntilExpiry(now time.Time) time.Duration {
	exp := m.expiry.Load()
	if exp == 0 {
		return 0
	}
	return time.Unix(exp, 0).Sub(now)
}
