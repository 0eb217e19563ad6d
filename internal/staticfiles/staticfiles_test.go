package staticfiles

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBannerInjected(t *testing.T) {
	s := New(t.TempDir(), "<div>WELCOME</div>")
	home, ok := s.Page("home")
	if !ok {
		t.Fatal("expected home page to exist")
	}
	if !strings.Contains(string(home.Body), "WELCOME") {
		t.Fatalf("expected banner to be injected, got %s", home.Body)
	}
}

func TestValidToken(t *testing.T) {
	if !ValidToken("abc123_-XYZ") {
		t.Fatal("expected alphanumeric token with _- to be valid")
	}
	if ValidToken("../etc/passwd") {
		t.Fatal("expected path traversal token to be rejected")
	}
	if ValidToken("a/b") {
		t.Fatal("expected slash in token to be rejected")
	}
	if ValidToken("") {
		t.Fatal("expected empty token to be rejected")
	}
}

func TestChallengeFileServesContent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tok123"), []byte("challenge-response"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(dir, "")
	body, err := s.ChallengeFile("tok123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "challenge-response" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestChallengeFileRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "")
	if _, err := s.ChallengeFile("../secret"); err == nil {
		t.Fatal("expected traversal token to be rejected")
	}
}

func TestChallengeFileRejectsOversized(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, maxChallengeSize+1)
	if err := os.WriteFile(filepath.Join(dir, "huge"), big, 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(dir, "")
	if _, err := s.ChallengeFile("huge"); err == nil {
		t.Fatal("expected oversized file to be rejected")
	}
}
