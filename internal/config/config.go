// Package config loads and holds all network controller configuration.
// Settings are layered: defaults → controller-config.json → environment
// variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the full controller configuration.
type Config struct {
	ListenAddress     string `json:"listenAddress"`     // peer-facing POST listener
	PushListenAddress string `json:"pushListenAddress"`  // loopback-bound PUSH listener (local DB only)
	ManagementPort    int    `json:"managementPort"`
	LogLevel          string `json:"logLevel"`

	LocalInstance   string `json:"localInstance"` // matches one anonymizer's Instance field; marks self
	ManagementToken string `json:"managementToken"`

	OutboundTimeoutSeconds int `json:"outboundTimeoutSeconds"` // loaded only; the forwarder uses its own fixed 300s deadline

	EvidenceDedupFile            string `json:"evidenceDedupFile"`            // bbolt path; empty = in-memory only
	EvidenceDedupCapacity        int    `json:"evidenceDedupCapacity"`        // S3-FIFO in-memory capacity
	EvidenceShutdownDrainSeconds int    `json:"evidenceShutdownDrainSeconds"` // Stop() timeout
	EvidenceStoreFile            string `json:"evidenceStoreFile"`            // bbolt path for the local evidence blob store

	UpstreamDBURL   string `json:"upstreamDbUrl"`   // base URL of the upstream metadata database's HTTP API
	UpstreamDBToken string `json:"upstreamDbToken"` // bearer token presented to the upstream database
}

// OutboundTimeout is OutboundTimeoutSeconds as a time.Duration. The
// forwarder does not read it.
func (c *Config) OutboundTimeout() time.Duration {
	return time.Duration(c.OutboundTimeoutSeconds) * time.Second
}

// EvidenceShutdownDrain is the configured worker-drain timeout as a
// time.Duration.
func (c *Config) EvidenceShutdownDrain() time.Duration {
	return time.Duration(c.EvidenceShutdownDrainSeconds) * time.Second
}

// Load returns config with defaults overridden by controller-config.json
// and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "controller-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		ListenAddress:                "0.0.0.0:8443",
		PushListenAddress:            "127.0.0.1:8444",
		ManagementPort:               8081,
		LogLevel:                     "info",
		LocalInstance:                "local",
		OutboundTimeoutSeconds:       300,
		EvidenceDedupFile:            "evidence-dedup.db",
		EvidenceDedupCapacity:        4096,
		EvidenceShutdownDrainSeconds: 10,
		EvidenceStoreFile:            "evidence-store.db",
		UpstreamDBURL:                "http://127.0.0.1:9200",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("PUSH_LISTEN_ADDRESS"); v != "" {
		cfg.PushListenAddress = v
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOCAL_INSTANCE"); v != "" {
		cfg.LocalInstance = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("OUTBOUND_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OutboundTimeoutSeconds = n
		}
	}
	if v := os.Getenv("EVIDENCE_DEDUP_FILE"); v != "" {
		cfg.EvidenceDedupFile = v
	}
	if v := os.Getenv("EVIDENCE_DEDUP_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EvidenceDedupCapacity = n
		}
	}
	if v := os.Getenv("EVIDENCE_SHUTDOWN_DRAIN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EvidenceShutdownDrainSeconds = n
		}
	}
	if v := os.Getenv("EVIDENCE_STORE_FILE"); v != "" {
		cfg.EvidenceStoreFile = v
	}
	if v := os.Getenv("UPSTREAM_DB_URL"); v != "" {
		cfg.UpstreamDBURL = v
	}
	if v := os.Getenv("UPSTREAM_DB_TOKEN"); v != "" {
		cfg.UpstreamDBToken = v
	}
}
