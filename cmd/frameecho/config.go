package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Zereker/tcpframe"
)

type mode string

const (
	modeBlocking    mode = "blocking"
	modeNonBlocking mode = "nonblocking"
)

// config holds the echo server settings after defaults, file and flags
// have been applied, in that order.
type config struct {
	Addr         string
	Mode         mode
	Format       tcpframe.Format
	MaxFrameSize int
	MaxBuffers   int
	Heartbeat    time.Duration
	MetricsAddr  string
	Debug        bool
}

func defaultConfig() config {
	return config{
		Addr:         "127.0.0.1:12345",
		Mode:         modeBlocking,
		Format:       tcpframe.LengthPrefixed,
		MaxFrameSize: tcpframe.DefaultMaxFrameSize,
		MaxBuffers:   tcpframe.DefaultMaxBuffers,
	}
}

type fileConfig struct {
	Addr         string `toml:"addr"`
	Mode         string `toml:"mode"`
	Format       string `toml:"format"`
	MaxFrameSize int    `toml:"max_frame_size"`
	MaxBuffers   int    `toml:"max_buffers"`
	Heartbeat    string `toml:"heartbeat"`
	MetricsAddr  string `toml:"metrics_addr"`
	Debug        bool   `toml:"debug"`
}

// loadConfigFile overlays the keys defined in the TOML file at path on cfg.
func loadConfigFile(path string, cfg config) (config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load frameecho config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}

	if meta.IsDefined("mode") {
		m, err := parseMode(raw.Mode)
		if err != nil {
			return config{}, err
		}
		cfg.Mode = m
	}

	if meta.IsDefined("format") {
		f, err := tcpframe.ParseFormat(raw.Format)
		if err != nil {
			return config{}, fmt.Errorf("parse format: %w", err)
		}
		cfg.Format = f
	}

	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}

	if meta.IsDefined("max_buffers") {
		cfg.MaxBuffers = raw.MaxBuffers
	}

	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return config{}, fmt.Errorf("parse heartbeat: %w", err)
		}
		cfg.Heartbeat = d
	}

	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}

	return cfg, nil
}

func parseMode(s string) (mode, error) {
	switch m := mode(strings.ToLower(strings.TrimSpace(s))); m {
	case modeBlocking, modeNonBlocking:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

func (c config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Format == tcpframe.Custom {
		return fmt.Errorf("custom format needs a codec and cannot be selected here")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive, got %d", c.MaxFrameSize)
	}
	if c.MaxBuffers <= 0 {
		return fmt.Errorf("max_buffers must be positive, got %d", c.MaxBuffers)
	}
	return nil
}
