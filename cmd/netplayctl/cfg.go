package main

import (
	"fmt"
	"net/netip"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/melonDS-emu/melonDS-sub010/internal/lan"
	"github.com/melonDS-emu/melonDS-sub010/internal/logging"
	"github.com/melonDS-emu/melonDS-sub010/internal/netplay"
	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

// Config is netplayctl's on-disk configuration, following the teacher's
// server-command Config/LoadConfig pair (controlplane/cmd/bird-adapter).
type Config struct {
	Logging logging.Config `yaml:"logging"`
	Session SessionConfig  `yaml:"session"`
}

// SessionConfig parameterises the session regardless of subcommand; host
// reads every field, client only Name/SessionPort/ListenPort, discover only
// DiscoPort.
type SessionConfig struct {
	Name            string           `yaml:"name"`
	MaxPlayers      uint8            `yaml:"max_players"`
	SessionPort     int              `yaml:"session_port"`
	ListenPort      int              `yaml:"listen_port"`
	DiscoPort       int              `yaml:"disco_port"`
	BroadcastSubnet string           `yaml:"broadcast_subnet"`
	Settings        netplay.Settings `yaml:"settings"`
}

// DefaultConfig returns netplayctl's defaults, matching internal/lan's own
// withDefaults() so an empty config file is already a runnable one.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{Level: zapcore.InfoLevel},
		Session: SessionConfig{
			MaxPlayers:  wire.MaxPlayers,
			SessionPort: lan.SessionPort,
			DiscoPort:   lan.DiscoveryPort,
			Settings:    netplay.Settings{Delay: 2, ChunkSize: wire.BlobChunkSize},
		},
	}
}

// LoadConfig reads and parses a YAML config file, or returns the defaults
// unchanged if path is empty.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}
	return cfg, nil
}

// broadcastSubnet parses BroadcastSubnet, returning the zero Prefix (which
// lan.Config treats as "use the global limited broadcast") on empty input
// or a malformed value.
func (c SessionConfig) broadcastSubnet() netip.Prefix {
	if c.BroadcastSubnet == "" {
		return netip.Prefix{}
	}
	p, err := netip.ParsePrefix(c.BroadcastSubnet)
	if err != nil {
		return netip.Prefix{}
	}
	return p
}
