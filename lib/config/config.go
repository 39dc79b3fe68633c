// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full client configuration.
type Config struct {
	// Identity is the local user as announced to the relay.
	Identity IdentityConfig `yaml:"identity"`

	// Relay configures the signaling socket.
	Relay RelayConfig `yaml:"relay"`

	// ICE configures the peer connection's connectivity checks.
	ICE ICEConfig `yaml:"ice"`

	// Storage configures the local durable store.
	Storage StorageConfig `yaml:"storage"`

	// Negotiation configures offer/answer retry and timeouts.
	Negotiation NegotiationConfig `yaml:"negotiation"`
}

// IdentityConfig names the local user.
type IdentityConfig struct {
	// PeerID is the stable identifier other peers address. Required.
	PeerID string `yaml:"peer_id"`

	// DisplayName is shown to peers in connection requests. Defaults
	// to PeerID.
	DisplayName string `yaml:"display_name"`
}

// RelayConfig configures the signaling relay connection.
type RelayConfig struct {
	// URL is the relay's WebSocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// StableDelay is how long the socket must stay open before
	// negotiation messages are sent on it.
	StableDelay time.Duration `yaml:"stable_delay"`

	// ReconnectBaseDelay is the first reconnect backoff. Each later
	// attempt doubles it.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`

	// ReconnectMaxDelay caps a single reconnect backoff.
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`

	// ReconnectAttempts is how many reconnects are tried before the
	// relay is reported unreachable.
	ReconnectAttempts int `yaml:"reconnect_attempts"`
}

// ICEConfig lists the STUN/TURN servers handed to each peer connection.
type ICEConfig struct {
	// Servers are ICE server URLs such as "stun:stun.l.google.com:19302".
	Servers []string `yaml:"servers"`
}

// StorageConfig configures the SQLite-backed store.
type StorageConfig struct {
	// Path is the database file. Per-user keys live inside it, so one
	// file serves every account on the machine.
	Path string `yaml:"path"`

	// MessageCap is the number of messages kept per peer.
	MessageCap int `yaml:"message_cap"`

	// MaxPages bounds the database size in SQLite pages. Zero is
	// unbounded.
	MaxPages int `yaml:"max_pages"`
}

// NegotiationConfig configures the peer negotiator.
type NegotiationConfig struct {
	// DescriptionAttempts bounds offer and answer sends.
	DescriptionAttempts int `yaml:"description_attempts"`

	// CandidateAttempts bounds candidate sends.
	CandidateAttempts int `yaml:"candidate_attempts"`

	// RetryBaseDelay is the backoff after the first failed send.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// SettleDelay separates channel open from the sync request.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// ConnectTimeout bounds an outbound connection attempt, measured
	// from the request.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// CandidateQueueLimit bounds candidates held before the remote
	// description arrives.
	CandidateQueueLimit int `yaml:"candidate_queue_limit"`
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:                "ws://localhost:8080/signaling",
			StableDelay:        time.Second,
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  30 * time.Second,
			ReconnectAttempts:  5,
		},
		ICE: ICEConfig{
			Servers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Storage: StorageConfig{
			Path:       "${FREEFLOW_DATA:-${HOME}/.local/share/freeflow}/freeflow.db",
			MessageCap: 100,
		},
		Negotiation: NegotiationConfig{
			DescriptionAttempts: 3,
			CandidateAttempts:   5,
			RetryBaseDelay:      time.Second,
			SettleDelay:         500 * time.Millisecond,
			ConnectTimeout:      8 * time.Second,
			CandidateQueueLimit: 64,
		},
	}
}

// Load reads the file named by FREEFLOW_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("FREEFLOW_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("FREEFLOW_CONFIG environment variable not set; " +
			"set it to the path of your freeflow.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	if cfg.Identity.DisplayName == "" {
		cfg.Identity.DisplayName = cfg.Identity.PeerID
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Storage.Path = expandVars(c.Storage.Path, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}. The default may itself
// contain one nested ${VAR}.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^{}]|\$\{[^{}]*\})*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return expandVars(parts[2], vars)
	})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Identity.PeerID == "" {
		errs = append(errs, errors.New("identity.peer_id is required"))
	}

	if relayURL, err := url.Parse(c.Relay.URL); err != nil {
		errs = append(errs, fmt.Errorf("relay.url: %w", err))
	} else if relayURL.Scheme != "ws" && relayURL.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("relay.url must use ws or wss, got %q", relayURL.Scheme))
	}
	if c.Relay.ReconnectAttempts < 1 {
		errs = append(errs, errors.New("relay.reconnect_attempts must be at least 1"))
	}
	if c.Relay.ReconnectBaseDelay <= 0 || c.Relay.ReconnectMaxDelay < c.Relay.ReconnectBaseDelay {
		errs = append(errs, errors.New("relay reconnect delays must satisfy 0 < base <= max"))
	}
	if c.Relay.StableDelay < 0 {
		errs = append(errs, errors.New("relay.stable_delay must not be negative"))
	}

	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Storage.MessageCap < 2 {
		errs = append(errs, errors.New("storage.message_cap must be at least 2"))
	}
	if c.Storage.MaxPages < 0 {
		errs = append(errs, errors.New("storage.max_pages must not be negative"))
	}

	if c.Negotiation.DescriptionAttempts < 1 || c.Negotiation.CandidateAttempts < 1 {
		errs = append(errs, errors.New("negotiation attempts must be at least 1"))
	}
	if c.Negotiation.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("negotiation.connect_timeout must be positive"))
	}
	if c.Negotiation.CandidateQueueLimit < 1 {
		errs = append(errs, errors.New("negotiation.candidate_queue_limit must be at least 1"))
	}

	return errors.Join(errs...)
}

// EnsureStorageDir creates the directory holding the database.
func (c *Config) EnsureStorageDir() error {
	directory := filepath.Dir(c.Storage.Path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}
	return nil
}
