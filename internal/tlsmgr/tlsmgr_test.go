package tlsmgr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSelfSigned(t *testing.T, notAfter time.Time) (certPath, keyPath string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "txrelay-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatal(err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatal(err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestNewLoadsCertAndExpiry(t *testing.T) {
	notAfter := time.Now().Add(90 * 24 * time.Hour)
	certPath, keyPath := writeSelfSigned(t, notAfter)

	m, err := New(certPath, keyPath, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := m.Config()
	if cfg.MinVersion != 0x0303 { // tls.VersionTLS12
		t.Fatalf("expected min version TLS 1.2, got %x", cfg.MinVersion)
	}
	if len(cfg.NextProtos) == 0 || cfg.NextProtos[0] != "h2" {
		t.Fatalf("expected h2 preferred in NextProtos, got %v", cfg.NextProtos)
	}
	if m.CertExpiry() == 0 {
		t.Fatal("expected non-zero cert expiry")
	}
}

func TestReloadSwapsConfigAtomically(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, time.Now().Add(time.Hour))
	m, err := New(certPath, keyPath, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := m.Config()

	certPath2, keyPath2 := writeSelfSigned(t, time.Now().Add(2*time.Hour))
	// Point manager at a new pair by rebuilding (reload re-reads m.certFile/keyFile).
	m.certFile, m.keyFile = certPath2, keyPath2
	if err := m.Reload(); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	second := m.Config()
	if first == second {
		t.Fatal("expected reload to swap to a new config instance")
	}
}

func TestEnableH2FalseOmitsH2(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, time.Now().Add(time.Hour))
	m, err := New(certPath, keyPath, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range m.Config().NextProtos {
		if p == "h2" {
			t.Fatal("did not expect h2 in NextProtos when disabled")
		}
	}
}
