package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the engine configuration, loaded from a JSON file in the peer
// directory. Zero values are replaced by defaults on load.
type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
}

// Identity describes the local participant as it appears on call records.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type Store struct {
	// Mode selects the store backend: "mem", "sqlite" or "ws".
	Mode string `json:"mode"`

	// DBPath is the SQLite database path (mode "sqlite"), relative to the
	// peer directory.
	DBPath string `json:"db_path"`

	// HubURL is the websocket hub address (mode "ws"),
	// e.g. "ws://localhost:8790/ws".
	HubURL string `json:"hub_url"`

	// RetentionSec is how long terminal call records are kept before the
	// purger deletes them. 0 = default (10 s).
	RetentionSec int `json:"retention_sec"`

	// PollIntervalMs is the sqlite change-poll interval when no fsnotify
	// event wakes the poller early. 0 = default (250 ms).
	PollIntervalMs int `json:"poll_interval_ms"`
}

type Call struct {
	// RingTimeoutSec is how long an unanswered call rings before both sides
	// transition to missed. 0 = default (30 s).
	RingTimeoutSec int `json:"ring_timeout_sec"`

	// NegotiateTimeoutSec bounds SDP/ICE negotiation after answer; on expiry
	// the call ends with reason "failed". 0 = default (20 s).
	NegotiateTimeoutSec int `json:"negotiate_timeout_sec"`

	// MaxGroupParticipants is the hard cap written onto new group call
	// records. 0 = default (16).
	MaxGroupParticipants int `json:"max_group_participants"`

	// HistoryBuffer is the in-memory recent-summary buffer size. 0 = 100.
	HistoryBuffer int `json:"history_buffer"`
}

type Media struct {
	// Fake selects the in-memory loopback transport instead of Pion WebRTC.
	Fake bool `json:"fake"`

	// ICEServers are STUN/TURN URLs for the WebRTC transport.
	ICEServers []string `json:"ice_servers"`

	// VideoDisabled disables video capture even for video calls
	// (e.g. headless machines); calls fall back to audio-only.
	VideoDisabled bool `json:"video_disabled"`
}

// Default returns a config with every field set to its default.
func Default() Config {
	return Config{
		Store: Store{
			Mode:           "sqlite",
			DBPath:         "data/ringlink.db",
			RetentionSec:   10,
			PollIntervalMs: 250,
		},
		Call: Call{
			RingTimeoutSec:       30,
			NegotiateTimeoutSec:  20,
			MaxGroupParticipants: 16,
			HistoryBuffer:        100,
		},
		Media: Media{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.ID) == "" {
		return errors.New("identity.id is required")
	}
	switch c.Store.Mode {
	case "mem", "sqlite", "ws":
	default:
		return fmt.Errorf("store.mode must be mem, sqlite or ws, got %q", c.Store.Mode)
	}
	if c.Store.Mode == "ws" && strings.TrimSpace(c.Store.HubURL) == "" {
		return errors.New("store.hub_url is required when store.mode is ws")
	}
	if c.Call.RingTimeoutSec < 0 || c.Call.NegotiateTimeoutSec < 0 || c.Store.RetentionSec < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// applyDefaults fills zero-valued fields from Default.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Store.Mode == "" {
		c.Store.Mode = d.Store.Mode
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = d.Store.DBPath
	}
	if c.Store.RetentionSec == 0 {
		c.Store.RetentionSec = d.Store.RetentionSec
	}
	if c.Store.PollIntervalMs == 0 {
		c.Store.PollIntervalMs = d.Store.PollIntervalMs
	}
	if c.Call.RingTimeoutSec == 0 {
		c.Call.RingTimeoutSec = d.Call.RingTimeoutSec
	}
	if c.Call.NegotiateTimeoutSec == 0 {
		c.Call.NegotiateTimeoutSec = d.Call.NegotiateTimeoutSec
	}
	if c.Call.MaxGroupParticipants == 0 {
		c.Call.MaxGroupParticipants = d.Call.MaxGroupParticipants
	}
	if c.Call.HistoryBuffer == 0 {
		c.Call.HistoryBuffer = d.Call.HistoryBuffer
	}
	if len(c.Media.ICEServers) == 0 {
		c.Media.ICEServers = d.Media.ICEServers
	}
	if c.Identity.Name == "" {
		c.Identity.Name = c.Identity.ID
	}
}

// Load reads config.json from dir, applying defaults for missing fields.
// A missing file is not an error: the default config is written back so the
// user has something to edit.
func Load(dir string) (Config, error) {
	path := filepath.Join(dir, "config.json")

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if writeErr := Save(dir, cfg); writeErr != nil {
			return cfg, fmt.Errorf("write default config: %w", writeErr)
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes cfg as indented JSON to dir/config.json.
func Save(dir string, cfg Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), b, 0o644)
}

// RingTimeout returns the configured ring timeout as a duration.
func (c Call) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

// NegotiateTimeout returns the configured negotiation timeout as a duration.
func (c Call) NegotiateTimeout() time.Duration {
	return time.Duration(c.NegotiateTimeoutSec) * time.Second
}

// Retention returns how long terminal records are kept.
func (s Store) Retention() time.Duration {
	return time.Duration(s.RetentionSec) * time.Second
}

// PollInterval returns the sqlite poll interval.
func (s Store) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}
