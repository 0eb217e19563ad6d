package acl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// addLine and LoadFile return a *errcode.Error; require.Nil checks the
// pointer itself, since a nil pointer wrapped in an error interface is
// not a nil error.

func TestExactMatch(t *testing.T) {
	l := New()
	require.Nil(t, l.addLine("203.0.113.7"))
	require.True(t, l.Contains("203.0.113.7"), "expected exact match to hit")
	require.False(t, l.Contains("203.0.113.8"), "expected distinct address to miss")
}

func TestCIDRMatch(t *testing.T) {
	l := New()
	require.Nil(t, l.addLine("10.0.0.0/8"))
	require.True(t, l.Contains("10.1.2.3"), "expected 10.1.2.3 to match 10.0.0.0/8")
	require.False(t, l.Contains("11.0.0.0"), "expected 11.0.0.0 not to match 10.0.0.0/8")
}

func TestCIDRBoundaryBits(t *testing.T) {
	l := New()
	require.Nil(t, l.addLine("192.168.0.0/20"))
	require.True(t, l.Contains("192.168.15.255"), "expected 192.168.15.255 to match /20")
	require.False(t, l.Contains("192.168.16.0"), "expected 192.168.16.0 not to match /20")
}

func TestIPv6CIDR(t *testing.T) {
	l := New()
	require.Nil(t, l.addLine("2001:db8::/32"))
	require.True(t, l.Contains("2001:db8::1"), "expected address inside /32 to match")
	require.False(t, l.Contains("2001:db9::1"), "expected address outside /32 to miss")
}

func TestCheckPrecedence(t *testing.T) {
	block := New()
	_ = block.addLine("198.51.100.0/24")
	allow := New()
	_ = allow.addLine("198.51.100.0/24")

	require.Equal(t, Block, Check(block, allow, "198.51.100.5"), "expected BLOCK to take priority")
	require.Equal(t, Allow, Check(nil, allow, "198.51.100.5"), "expected ALLOW with nil block list")
	require.Equal(t, Neutral, Check(nil, nil, "198.51.100.5"), "expected NEUTRAL with no lists")
}

func TestCheckFailsOpenOnUnparseableIP(t *testing.T) {
	block := New()
	_ = block.addLine("0.0.0.0/0")
	require.Equal(t, Neutral, Check(block, nil, "not-an-ip"), "expected NEUTRAL on unparseable address")
}

func TestLoadFileSkipsCommentsAndBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acl.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\n\n  \n172.16.0.0/12\n"), 0o644))
	l, err := LoadFile(path)
	require.Nil(t, err)
	require.True(t, l.Contains("172.16.5.5"), "expected address within 172.16.0.0/12 to match")
}
