package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	BaseURL             string
	MaxPanes            int
	ConnectTimeout      time.Duration
	ReconnectBackoff    time.Duration
	CopyModeIdleExit    time.Duration
	AgentPollInterval   time.Duration
	AgentPollTimeout    time.Duration
	TouchThresholdPx    float64
	DownScrollExitCount int
	SnapshotPath        string
}

// DefaultConfig returns the fixed defaults the behavior contract is
// written against. Values are tunable per instance but changing them
// changes observable retry/exit behavior.
func DefaultConfig() Config {
	cfg := Config{
		BaseURL:             "http://127.0.0.1:8400",
		MaxPanes:            4,
		ConnectTimeout:      10 * time.Second,
		ReconnectBackoff:    2 * time.Second,
		CopyModeIdleExit:    10 * time.Second,
		AgentPollInterval:   500 * time.Millisecond,
		AgentPollTimeout:    15 * time.Second,
		TouchThresholdPx:    50,
		DownScrollExitCount: 3,
	}
	// An empty SnapshotPath disables the warm-start pane cache.
	if dir, err := os.UserCacheDir(); err == nil {
		cfg.SnapshotPath = filepath.Join(dir, "muxpane", "panes.db")
	}
	return cfg
}
