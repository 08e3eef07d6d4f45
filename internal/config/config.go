package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	History HistoryConfig `yaml:"history"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type SessionConfig struct {
	// SyncInterval is the countdown broadcast cadence on session sockets.
	SyncInterval time.Duration `yaml:"sync_interval"`
	// PollWait bounds how long a result poll may block before returning a
	// pending reply.
	PollWait time.Duration `yaml:"poll_wait"`
	// EvictAfter is how long a completed session stays in memory before
	// the sweeper drops it.
	EvictAfter time.Duration `yaml:"evict_after"`
	// RecentCompleted caps the completed entries shown alongside pending
	// ones in the interaction list.
	RecentCompleted int `yaml:"recent_completed"`
}

type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
}

// Load reads the YAML config at path on top of defaults. A missing file
// is not an error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8787,
			Host: "127.0.0.1",
		},
		Session: SessionConfig{
			SyncInterval:    time.Second,
			PollWait:        30 * time.Second,
			EvictAfter:      10 * time.Minute,
			RecentCompleted: 5,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 3,
			MaxSessions:   100,
		},
	}
}
