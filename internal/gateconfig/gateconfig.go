// Package gateconfig implements Gate's configuration persistence: relay
// and daemon config structs, defaults, and a JSON-on-disk manager modelled
// on the teacher's internal/core/persistence.go ConfigManager (local
// directory first, os.UserConfigDir() fallback, defaults-then-override
// merge on load).
package gateconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RelayConfig configures the relay binary: the public TLS forwarding
// listener, the P2P control-plane endpoint, the DNS-01 broker, and the
// domain registry's heartbeat policy.
type RelayConfig struct {
	// ListenAddr is the public TCP:443-equivalent address the forwarding
	// server accepts TLS connections on.
	ListenAddr string `json:"listen_addr"`
	// P2PListenAddr is the UDP address the QUIC endpoint binds; ":0"
	// picks a random free port.
	P2PListenAddr string `json:"p2p_listen_addr"`
	// HealthAddr serves a plain-HTTP /healthz for operator/PaaS probes,
	// adapted from the teacher's gateway decoy/health endpoints.
	HealthAddr string `json:"health_addr"`
	// SecretPath is where this relay's own 32-byte node-identity secret is
	// stored (relays have a NodeID too, for control-plane authentication).
	SecretPath string `json:"secret_path"`
	// BaseZone is the DNS suffix every daemon is assigned a subdomain of.
	BaseZone string `json:"base_zone"`

	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
	SweepInterval    time.Duration `json:"sweep_interval"`

	ConnectTimeout       time.Duration `json:"connect_timeout"`
	IdleTimeout          time.Duration `json:"idle_timeout"`
	MaxConcurrentInbound int           `json:"max_concurrent_inbound"`

	// CloudflareAPIToken / CloudflareZoneID configure the external DNS
	// provider. Left empty, the relay falls back to an in-memory provider
	// suitable for development and tests.
	CloudflareAPIToken string `json:"cloudflare_api_token"`
	CloudflareZoneID   string `json:"cloudflare_zone_id"`
	DNSResolvers       []string `json:"dns_resolvers"`
}

// DefaultRelayConfig returns the recommended relay defaults, matching
// spec.md §4.F/§4.D's stated defaults.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		ListenAddr:           "0.0.0.0:443",
		P2PListenAddr:        "0.0.0.0:0",
		HealthAddr:           "127.0.0.1:9443",
		SecretPath:           "relay-p2p.secret",
		BaseZone:             "private.hellas.ai",
		HeartbeatTimeout:      90 * time.Second,
		SweepInterval:         30 * time.Second,
		ConnectTimeout:        5 * time.Second,
		IdleTimeout:           30 * time.Second,
		MaxConcurrentInbound:  1000,
		DNSResolvers:          []string{"1.1.1.1:53", "8.8.8.8:53"},
	}
}

// DaemonConfig configures the gated binary: relay address, data directory
// layout, ACME contact details, and the local HTTPS/observability
// listeners.
type DaemonConfig struct {
	// RelayAddress is the relay to dial, in identity.ParseAddress form
	// (bare hex, "id@host:port", or "id@https://relay/").
	RelayAddress string `json:"relay_address"`
	// DataDir is the root of the persistent state layout described in
	// spec.md §6: certificates/, acme/, p2p.secret.
	DataDir string `json:"data_dir"`

	P2PListenAddr string `json:"p2p_listen_addr"`
	// LocalHTTPSAddr is a local TCP listener served by the same embedded
	// HTTPS handler as the forwarded TLS streams; forwarded streams are
	// handed to that handler in-process, not through this address.
	LocalHTTPSAddr string `json:"local_https_addr"`
	ObsAddr        string `json:"obs_addr"`

	ACMEDirectoryURL string `json:"acme_directory_url"`
	ACMEEmail        string `json:"acme_email"`

	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	MaxInboundForwarded int           `json:"max_inbound_forwarded"`

	Capabilities []string `json:"capabilities"`
}

// DefaultDaemonConfig returns the recommended daemon defaults.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		DataDir:             "gate-data",
		P2PListenAddr:       "0.0.0.0:0",
		LocalHTTPSAddr:      "127.0.0.1:8443",
		ObsAddr:             "127.0.0.1:9880",
		ACMEDirectoryURL:    "https://acme-v02.api.letsencrypt.org/directory",
		HeartbeatInterval:   30 * time.Second,
		MaxInboundForwarded: 100,
		Capabilities:        []string{"tlsforward"},
	}
}

const appDirName = "gate"

// Manager persists a config of type T as JSON, checking the current
// directory first and falling back to os.UserConfigDir(), exactly as the
// teacher's ConfigManager does for SessionConfig.
type Manager[T any] struct {
	mu         sync.Mutex
	configPath string
	defaults   func() *T
}

// NewManager locates (or creates) fileName's config path and returns a
// Manager for it. defaults supplies the starting value Load merges
// persisted overrides onto.
func NewManager[T any](fileName string, defaults func() *T) (*Manager[T], error) {
	if st, err := os.Stat(fileName); err == nil && !st.IsDir() && isWritable(fileName) {
		return &Manager[T]{configPath: fileName, defaults: defaults}, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("gateconfig: user config dir: %w", err)
	}
	appDir := filepath.Join(configDir, appDirName)
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return nil, fmt.Errorf("gateconfig: create config dir %s: %w", appDir, err)
	}
	return &Manager[T]{configPath: filepath.Join(appDir, fileName), defaults: defaults}, nil
}

func isWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// Path returns the resolved config file path.
func (m *Manager[T]) Path() string {
	return m.configPath
}

// Load reads the persisted config, merging it onto Manager's defaults.
// A missing file is not an error: Load returns the defaults unchanged.
func (m *Manager[T]) Load() (*T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.defaults()
	data, err := os.ReadFile(m.configPath)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gateconfig: read %s: %w", m.configPath, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("gateconfig: parse %s: %w", m.configPath, err)
	}
	return cfg, nil
}

// Save writes cfg to disk as indented JSON.
func (m *Manager[T]) Save(cfg *T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("gateconfig: marshal: %w", err)
	}
	dir := filepath.Dir(m.configPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("gateconfig: create dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("gateconfig: write %s: %w", m.configPath, err)
	}
	return nil
}
