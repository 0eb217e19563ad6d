package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "txrelay.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
[server]
listen_plain = 0.0.0.0:8080
workers = 4

[buffer]
max_buffer_size = 16777216
read_timeout_ms = 5000

[tiers]
large_threshold = 1024
huge_threshold = 8192

[slots]
max_normal = 1000
max_large = 200
max_huge = 50

[rpc.btc]
host = 127.0.0.1
port = 8332
user = rpcuser
password = rpcpass
timeout_sec = 10
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", cfg.Server.ListenPlain)
	chain, ok := cfg.RPC["btc"]
	require.True(t, ok, "expected rpc.btc section to be parsed")
	require.Equal(t, 8332, chain.Port)
}

func TestThresholdInvariantRepaired(t *testing.T) {
	// tiers set such that large >= huge, which must be repaired on load.
	broken := `
[server]
listen_plain = 0.0.0.0:8080

[buffer]
max_buffer_size = 16777216
read_timeout_ms = 5000

[tiers]
large_threshold = 9000
huge_threshold = 1000

[slots]
max_normal = 10
max_large = 10
max_huge = 10

[rpc.btc]
host = 127.0.0.1
port = 8332
timeout_sec = 10
`
	path := writeTemp(t, broken)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2*cfg.Tiers.LargeThreshold, cfg.Tiers.HugeThreshold)
}

func TestMissingRequiredFieldFails(t *testing.T) {
	broken := `
[buffer]
max_buffer_size = 16777216
read_timeout_ms = 5000

[tiers]
large_threshold = 1024
huge_threshold = 8192

[slots]
max_normal = 10
max_large = 10
max_huge = 10
`
	path := writeTemp(t, broken)
	_, err := Load(path)
	require.Error(t, err, "expected validation error for missing server.listen_plain")
}
