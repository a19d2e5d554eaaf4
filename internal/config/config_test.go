package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadRelayServerConfig(t *testing.T) {
	path := writeConfig(t, `
listen_addr = "0.0.0.0:8443"
tls_cert_path = "/etc/border-wars/tls.crt"
tls_key_path = "/etc/border-wars/tls.key"
store_path = "/var/lib/border-wars/identities.db"
max_sessions = 4096
metrics_addr = "127.0.0.1:9090"
`)

	cfg, err := LoadRelayServerConfig(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8443", cfg.ListenAddr)
	require.Equal(t, 4096, cfg.MaxSessions)
}

func TestLoadRaftNodeConfigParsesPeers(t *testing.T) {
	path := writeConfig(t, `
[relay_client]
domain = "relay.border-wars.example"
identity_path = "/var/lib/border-wars/identity"

[raft]
election_timeout_ticks = 10
heartbeat_interval_ticks = 3
replication_chunk_size = 32
peers = ["2d7f3e2a-4b1a-4e6a-9b3e-9a7e6b0f0a01", "2d7f3e2a-4b1a-4e6a-9b3e-9a7e6b0f0a02"]
`)

	cfg, err := LoadRaftNodeConfig(path)
	require.NoError(t, err)
	require.Equal(t, "relay.border-wars.example", cfg.RelayClient.Domain)
	require.Equal(t, 10, cfg.Raft.ElectionTimeoutTicks)

	peers, err := cfg.Raft.ParsedPeers()
	require.NoError(t, err)
	require.Len(t, peers, 2)
}

func TestParsedPeersRejectsInvalidUUID(t *testing.T) {
	cfg := RaftConfig{Peers: []string{"not-a-uuid"}}
	_, err := cfg.ParsedPeers()
	require.Error(t, err)
}
