// Package config loads the TOML configuration shared by the relay
// server and relay client/host binaries.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/uuid"
)

// RelayServerConfig configures cmd/relay-server.
type RelayServerConfig struct {
	ListenAddr  string `toml:"listen_addr"`
	TLSCertPath string `toml:"tls_cert_path"`
	TLSKeyPath  string `toml:"tls_key_path"`
	StorePath   string `toml:"store_path"`
	MaxSessions int    `toml:"max_sessions"`
	MetricsAddr string `toml:"metrics_addr"`
}

// RelayClientConfig configures a host embedding relayclient.Connection.
type RelayClientConfig struct {
	Domain       string `toml:"domain"`
	IdentityPath string `toml:"identity_path"`
}

// RaftConfig mirrors spec.md's pluggable Raft tuning: election timeout,
// heartbeat interval, replication chunk size, and the fixed peer set.
type RaftConfig struct {
	ElectionTimeoutTicks   int      `toml:"election_timeout_ticks"`
	HeartbeatIntervalTicks int      `toml:"heartbeat_interval_ticks"`
	ReplicationChunkSize   int      `toml:"replication_chunk_size"`
	Peers                  []string `toml:"peers"` // stringified ClientIDs
}

// ParsedPeers decodes Peers into ClientID values.
func (c RaftConfig) ParsedPeers() (map[uuid.UUID]struct{}, error) {
	peers := make(map[uuid.UUID]struct{}, len(c.Peers))
	for _, raw := range c.Peers {
		id, err := uuid.FromString(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid peer id %q: %w", raw, err)
		}
		peers[id] = struct{}{}
	}
	return peers, nil
}

// RaftNodeConfig is the full configuration for cmd/raftnode: a relay
// client plus a Raft node layered on it.
type RaftNodeConfig struct {
	RelayClient RelayClientConfig `toml:"relay_client"`
	Raft        RaftConfig        `toml:"raft"`
}

// LoadRelayServerConfig decodes a relay-server TOML config file.
func LoadRelayServerConfig(path string) (RelayServerConfig, error) {
	var cfg RelayServerConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return RelayServerConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// LoadRaftNodeConfig decodes a raftnode TOML config file.
func LoadRaftNodeConfig(path string) (RaftNodeConfig, error) {
	var cfg RaftNodeConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return RaftNodeConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
