// Package config implements callwire's TOML configuration, loaded/saved the
// way the teacher's internal/config.Config does (DefaultConfig/LoadConfig/
// applyDefaults shape). The split public/secret file model the teacher uses
// for device provisioning secrets is overkill here — callwire's only secret
// is a TURN shared key, no more sensitive than the DSN already in the same
// file — so this package keeps a single config.toml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultAnswerPollInterval is the fallback interval for answer polling (§4.F).
const DefaultAnswerPollInterval = 2 * time.Second

// DefaultICEPollInterval is the fallback interval for ICE candidate polling (§4.F).
const DefaultICEPollInterval = 2 * time.Second

// DefaultSignalingWaitTimeout is the default for SignalingConfig.WaitTimeout.
const DefaultSignalingWaitTimeout = 10 * time.Second

// Config is the top-level configuration for a callwire engine instance.
// It is persisted as a single TOML file.
type Config struct {
	RowStore  RowStoreConfig  `toml:"rowstore"`
	Relay     RelayConfig     `toml:"relay"`
	STUN      STUNConfig      `toml:"stun"`
	TURN      TURNConfig      `toml:"turn"`
	Polling   PollingConfig   `toml:"polling"`
	Signaling SignalingConfig `toml:"signaling"`
}

// RowStoreConfig configures the call record gateway (Component B).
type RowStoreConfig struct {
	// DSN is the PostgreSQL connection string consumed by pgxpool. Empty
	// selects the in-memory gateway, used for cmd/callctl demo runs.
	DSN string `toml:"dsn,omitempty"`
}

// RelayConfig identifies the relay server this engine instance talks to.
type RelayConfig struct {
	// URL is the ws(s):// base URL of the realtime relay Hub.
	URL string `toml:"url"`
}

// STUNConfig lists the STUN servers used for ICE NAT traversal.
type STUNConfig struct {
	Servers []string `toml:"servers"`
}

// TURNConfig configures TURN REST API credential generation (internal/turn).
type TURNConfig struct {
	// URL is the turn(s):// URL of the TURN server.
	URL string `toml:"url,omitempty"`

	// Secret is the shared secret used to derive time-limited TURN credentials.
	Secret string `toml:"secret,omitempty"`

	// Realm is the realm used in the long-term credential mechanism.
	Realm string `toml:"realm,omitempty"`
}

// PollingConfig configures the §4.F fallback pollers.
type PollingConfig struct {
	AnswerInterval time.Duration `toml:"answer_interval"`
	ICEInterval    time.Duration `toml:"ice_interval"`
}

// SignalingConfig configures the realtime subscriber (Component E).
type SignalingConfig struct {
	// WaitTimeout is a wait bound for the SUBSCRIBED confirmation. It is
	// loaded, defaulted and saved with the rest of the file; no component
	// in this module reads it, so it does not change how long anything waits.
	WaitTimeout time.Duration `toml:"wait_timeout"`
}

// DefaultConfig returns a Config populated with sensible defaults.
// Network-specific fields (relay URL, TURN secret) are left empty and must
// be filled in by the caller.
func DefaultConfig() *Config {
	return &Config{
		STUN: STUNConfig{
			Servers: append([]string(nil), DefaultSTUNServers...),
		},
		TURN: TURNConfig{
			Realm: "callwire",
		},
		Polling: PollingConfig{
			AnswerInterval: DefaultAnswerPollInterval,
			ICEInterval:    DefaultICEPollInterval,
		},
		Signaling: SignalingConfig{
			WaitTimeout: DefaultSignalingWaitTimeout,
		},
	}
}

// LoadConfig reads a TOML config file at path, overlaying it onto
// DefaultConfig. If the file does not exist, it returns an error wrapping
// fs.ErrNotExist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes cfg as TOML to path, creating or truncating the file.
func SaveConfig(path string, cfg *Config) error {
	f, err := createConfigFile(path)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}
	return nil
}

// ParseTOML decodes a TOML config from a string, overlaying it onto
// DefaultConfig. Used by callers that already hold config contents in
// memory rather than a file path.
func ParseTOML(s string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(s, cfg); err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// createConfigFile creates path for writing, making its parent directory
// (mode 0755) if necessary.
func createConfigFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
	if cfg.TURN.Realm == "" {
		cfg.TURN.Realm = "callwire"
	}
	if cfg.Polling.AnswerInterval == 0 {
		cfg.Polling.AnswerInterval = DefaultAnswerPollInterval
	}
	if cfg.Polling.ICEInterval == 0 {
		cfg.Polling.ICEInterval = DefaultICEPollInterval
	}
	if cfg.Signaling.WaitTimeout == 0 {
		cfg.Signaling.WaitTimeout = DefaultSignalingWaitTimeout
	}
}
