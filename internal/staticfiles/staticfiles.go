// Package staticfiles serves the fixed HTML pages and ACME HTTP-01
// challenge files described in spec.md §1 and §6. No teacher file covers
// this concern directly; it is grounded on spec.md's own description of
// banner injection and the ACME path/size constraints.
package staticfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Page is one static HTML response, with the banner already interpolated.
type Page struct {
	Body        []byte
	ContentType string
}

// Set holds every fixed-endpoint page plus the directory ACME challenge
// files are served from.
type Set struct {
	pages        map[string]Page
	broadcastTpl string
	challengeDir string
}

// New builds a Set. banner is injected into each page template wherever
// "{{banner}}" appears, matching the teacher's load-time substitution style
// rather than a runtime templating engine.
func New(challengeDir, banner string) *Set {
	s := &Set{pages: make(map[string]Page), challengeDir: challengeDir}

	home := inject(defaultHomeHTML, banner)
	s.pages["home"] = Page{Body: []byte(home), ContentType: "text/html; charset=utf-8"}

	for _, name := range []string{"docs", "status", "logos"} {
		body := inject(fmt.Sprintf("<html><body><h1>%s</h1></body></html>", name), banner)
		s.pages[name] = Page{Body: []byte(body), ContentType: "text/html; charset=utf-8"}
	}

	s.broadcastTpl = inject(defaultBroadcastHTML, banner)
	return s
}

func inject(tpl, banner string) string {
	return strings.ReplaceAll(tpl, "{{banner}}", banner)
}

// Page returns the named fixed page.
func (s *Set) Page(name string) (Page, bool) {
	p, ok := s.pages[name]
	return p, ok
}

// Broadcast returns the static broadcast-accepted HTML. The worker serves it
// for the RESULT route; the BROADCAST route instead calls the upstream RPC
// synchronously and answers with JSON.
func (s *Set) Broadcast() Page {
	return Page{Body: []byte(s.broadcastTpl), ContentType: "text/html; charset=utf-8"}
}

const maxChallengeSize = 4 * 1024

var tokenCharValid [256]bool

func init() {
	for c := 'a'; c <= 'z'; c++ {
		tokenCharValid[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		tokenCharValid[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		tokenCharValid[c] = true
	}
	tokenCharValid['_'] = true
	tokenCharValid['-'] = true
}

// ValidToken reports whether token contains only [A-Za-z0-9_-] and does not
// attempt path traversal.
func ValidToken(token string) bool {
	if token == "" {
		return false
	}
	if strings.Contains(token, "..") || strings.ContainsAny(token, "/\\") {
		return false
	}
	for i := 0; i < len(token); i++ {
		if !tokenCharValid[token[i]] {
			return false
		}
	}
	return true
}

// ChallengeFile reads the token's file under the configured directory,
// rejecting path traversal and oversized files per spec.md §6.
func (s *Set) ChallengeFile(token string) ([]byte, error) {
	if !ValidToken(token) {
		return nil, fmt.Errorf("invalid acme token")
	}
	path := filepath.Join(s.challengeDir, token)
	if !strings.HasPrefix(path, filepath.Clean(s.challengeDir)+string(filepath.Separator)) {
		return nil, fmt.Errorf("path escapes challenge directory")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxChallengeSize {
		return nil, fmt.Errorf("challenge file exceeds %d bytes", maxChallengeSize)
	}
	return os.ReadFile(path)
}

const defaultHomeHTML = `<html><head><title>txrelay</title></head><body>{{banner}}<p>Bitcoin transaction relay</p></body></html>`

const defaultBroadcastHTML = `<html><head><title>txrelay</title></head><body>{{banner}}<p>Transaction accepted for broadcast.</p></body></html>`
