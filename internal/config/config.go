// Package config loads the hopveil runtime configuration: environment
// variables first (spec.md §6), an optional YAML overlay second, grounded
// on the teacher's internal/config/config.go Load/DefaultConfig pattern —
// same library (gopkg.in/yaml.v3), same "defaults struct, then unmarshal
// onto it" shape.
package config

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig is the fully-resolved configuration for one endpoint
// process (spec.md §3.1, added).
type RuntimeConfig struct {
	Listen        string `yaml:"listen"`
	MiddleHost    string `yaml:"middle_host"`
	MiddlePorts   []int  `yaml:"middle_ports"`
	ServerHost    string `yaml:"server_host"`
	ServerPort    int    `yaml:"server_port"`
	MetricsListen string `yaml:"metrics_listen"`

	// PathTransport selects the physical connection kind used for each path
	// leg between entry and middle: "tcp" (plain stream) or "ws" (WebSocket,
	// CDN-friendly) or "tls" (uTLS client hello fingerprinted). See
	// internal/transport.
	PathTransport string `yaml:"path_transport"`
	PathTLSHost   string `yaml:"path_tls_host"`
	WSPath        string `yaml:"ws_path"`

	PathCount         int     `yaml:"path_count"`
	AlphaPadding      float64 `yaml:"alpha_padding"`
	BaseJitterMs      float64 `yaml:"base_jitter_ms"`
	ObfuscationLevel  int     `yaml:"obfuscation_level"`
	Mode              string  `yaml:"mode"`
	ProtoSwitchPeriod int     `yaml:"proto_switch_period"`
	AdaptivePaths     bool    `yaml:"adaptive_paths"`
	AdaptiveBehavior  bool    `yaml:"adaptive_behavior"`
	AdaptiveProto     bool    `yaml:"adaptive_proto"`

	Seed int64 `yaml:"seed"`

	WindowSizeSec int     `yaml:"window_size_sec"`
	SizeBins      []int   `yaml:"size_bins"`
	BaseRate      float64 `yaml:"base_rate"`
	BatchSize     int     `yaml:"batch_size"`
	AckTimeoutSec float64 `yaml:"ack_timeout_sec"`

	LogLevel string `yaml:"log_level"`

	RunID           string `yaml:"run_id"`
	OutDir          string `yaml:"out_dir"`
	AttackerPathID  int    `yaml:"attacker_path_id"`
	SessionCount    int    `yaml:"session_count"`
	SessionDuration int    `yaml:"session_duration"`
}

var truthy = map[string]bool{"1": true, "true": true, "yes": true, "y": true}

func isTruthy(s string) bool {
	return truthy[strings.ToLower(s)]
}

// Default returns hopveil's default RuntimeConfig, mirroring spec.md §6's
// parenthetical defaults.
func Default() *RuntimeConfig {
	return &RuntimeConfig{
		Listen:            ":9443",
		MiddleHost:        "127.0.0.1",
		MiddlePorts:       []int{9101, 9102},
		ServerHost:        "127.0.0.1",
		ServerPort:        8080,
		PathTransport:     "tcp",
		WSPath:            "/ws",
		PathCount:         2,
		AlphaPadding:      0.05,
		BaseJitterMs:      20,
		ObfuscationLevel:  2,
		Mode:              "normal",
		ProtoSwitchPeriod: 3,
		AdaptivePaths:     true,
		AdaptiveBehavior:  true,
		AdaptiveProto:     true,
		Seed:              0,
		WindowSizeSec:     30,
		SizeBins:          []int{256, 512, 1024, 1400},
		BaseRate:          50000,
		BatchSize:         4,
		AckTimeoutSec:     2,
		LogLevel:          "info",
	}
}

// Load builds a RuntimeConfig from the environment (spec.md §6), then
// overlays an optional YAML file at yamlPath ("" to skip it), same
// precedence order as the teacher's config.Load: defaults, then file.
func Load(yamlPath string) (*RuntimeConfig, error) {
	cfg := Default()
	applyEnv(cfg)

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if cfg.Seed == 0 {
		cfg.Seed = rand.New(rand.NewSource(time.Now().UnixNano())).Int63()
	}
	return cfg, nil
}

func applyEnv(cfg *RuntimeConfig) {
	if v, ok := os.LookupEnv("PATH_COUNT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PathCount = n
		}
	}
	if v, ok := os.LookupEnv("ALPHA_PADDING"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AlphaPadding = f
		}
	}
	if v, ok := os.LookupEnv("OBFUSCATION_LEVEL"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ObfuscationLevel = n
		}
	}
	if v, ok := os.LookupEnv("MODE"); ok && v != "" {
		cfg.Mode = v
	}
	if v, ok := os.LookupEnv("PROTO_SWITCH_PERIOD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProtoSwitchPeriod = n
		}
	}
	if v, ok := os.LookupEnv("ADAPTIVE_PATHS"); ok {
		cfg.AdaptivePaths = isTruthy(v)
	}
	if v, ok := os.LookupEnv("ADAPTIVE_BEHAVIOR"); ok {
		cfg.AdaptiveBehavior = isTruthy(v)
	}
	if v, ok := os.LookupEnv("ADAPTIVE_PROTO"); ok {
		cfg.AdaptiveProto = isTruthy(v)
	}
	if v, ok := os.LookupEnv("SEED"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = n
		}
	}
	if v, ok := os.LookupEnv("RUN_ID"); ok {
		cfg.RunID = v
	}
	if v, ok := os.LookupEnv("OUT_DIR"); ok {
		cfg.OutDir = v
	}
	if v, ok := os.LookupEnv("ATTACKER_PATH_ID"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AttackerPathID = n
		}
	}
	if v, ok := os.LookupEnv("SESSION_COUNT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionCount = n
		}
	}
	if v, ok := os.LookupEnv("SESSION_DURATION"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionDuration = n
		}
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("PATH_TRANSPORT"); ok && v != "" {
		cfg.PathTransport = v
	}
}

// DumpJSON and the meta.json writer live in internal/runctx; this package
// only produces the resolved struct they serialize.
