package router

import "testing"

func hexOf(n int) string {
	const digits = "0123456789abcdef"
	out := make([]byte, n)
	for i := range out {
		out[i] = digits[i%16]
	}
	return string(out)
}

func TestHome(t *testing.T) {
	if Classify("/") != Home {
		t.Fatal("expected / to be HOME")
	}
}

func TestFixedEndpoints(t *testing.T) {
	for _, p := range []string{"/health", "/ready", "/alive", "/version", "/metrics", "/docs", "/status", "/logos"} {
		if Classify(p) != FixedEndpoint {
			t.Errorf("expected %s to be FixedEndpoint", p)
		}
	}
}

func TestAcmeChallenge(t *testing.T) {
	if Classify("/.well-known/acme-challenge/abc123") != AcmeChallenge {
		t.Fatal("expected acme-challenge path to classify as AcmeChallenge")
	}
}

func TestResultViaTxPrefix(t *testing.T) {
	if Classify("/tx/"+hexOf(64)) != Result {
		t.Fatal("expected /tx/{64 hex} to be RESULT")
	}
}

func TestResultBareTxid(t *testing.T) {
	if Classify("/"+hexOf(64)) != Result {
		t.Fatal("expected bare 64-hex path to be RESULT")
	}
}

func TestBoundaryLengths(t *testing.T) {
	if Classify("/"+hexOf(63)) != Error {
		t.Fatal("expected 63 hex chars to be ERROR")
	}
	if Classify("/"+hexOf(65)) != Error {
		t.Fatal("expected 65 hex chars to be ERROR")
	}
	if Classify("/"+hexOf(164)) != Broadcast {
		t.Fatal("expected 164 even-length hex to be BROADCAST")
	}
	if Classify("/"+hexOf(163)) != Error {
		t.Fatal("expected 163 (odd length) hex to be ERROR")
	}
}

func TestBroadcastViaTxChainPrefix(t *testing.T) {
	if Classify("/tx/btc/"+hexOf(164)) != Broadcast {
		t.Fatal("expected /tx/<chain>/{164 even hex} to be BROADCAST")
	}
	if Classify("/tx/btc/"+hexOf(163)) != Error {
		t.Fatal("expected /tx/<chain>/{163 hex} (odd length) to be ERROR")
	}
	if Classify("/tx/btc/"+hexOf(100)) != Error {
		t.Fatal("expected /tx/<chain>/{hex below threshold} to be ERROR")
	}
}

func TestNonHexRejected(t *testing.T) {
	if Classify("/"+hexOf(163)+"z") != Error {
		t.Fatal("expected non-hex character to be ERROR")
	}
}

func TestAnythingElseIsError(t *testing.T) {
	if Classify("/nonexistent/path") != Error {
		t.Fatal("expected unmatched path to be ERROR")
	}
	if Classify("") != Error {
		t.Fatal("expected empty path to be ERROR")
	}
	if Classify("relative/path") != Error {
		t.Fatal("expected non-rooted path to be ERROR")
	}
}

func TestAcmeToken(t *testing.T) {
	tok, ok := AcmeToken("/.well-known/acme-challenge/xyz")
	if !ok || tok != "xyz" {
		t.Fatalf("unexpected token extraction: %q ok=%v", tok, ok)
	}
	if _, ok := AcmeToken("/.well-known/acme-challenge/"); ok {
		t.Fatal("expected empty token to fail")
	}
}
