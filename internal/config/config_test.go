package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.ListenAddress != "0.0.0.0:8443" {
		t.Errorf("ListenAddress: got %s", cfg.ListenAddress)
	}
	if cfg.PushListenAddress != "127.0.0.1:8444" {
		t.Errorf("PushListenAddress: got %s", cfg.PushListenAddress)
	}
	if cfg.ManagementPort != 8081 {
		t.Errorf("ManagementPort: got %d, want 8081", cfg.ManagementPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.LocalInstance != "local" {
		t.Errorf("LocalInstance: got %s", cfg.LocalInstance)
	}
	if cfg.OutboundTimeoutSeconds != 300 {
		t.Errorf("OutboundTimeoutSeconds: got %d, want 300", cfg.OutboundTimeoutSeconds)
	}
	if cfg.EvidenceDedupFile != "evidence-dedup.db" {
		t.Errorf("EvidenceDedupFile: got %s", cfg.EvidenceDedupFile)
	}
	if cfg.EvidenceDedupCapacity != 4096 {
		t.Errorf("EvidenceDedupCapacity: got %d, want 4096", cfg.EvidenceDedupCapacity)
	}
	if cfg.EvidenceShutdownDrainSeconds != 10 {
		t.Errorf("EvidenceShutdownDrainSeconds: got %d, want 10", cfg.EvidenceShutdownDrainSeconds)
	}
	if cfg.EvidenceStoreFile != "evidence-store.db" {
		t.Errorf("EvidenceStoreFile: got %s", cfg.EvidenceStoreFile)
	}
	if cfg.UpstreamDBURL != "http://127.0.0.1:9200" {
		t.Errorf("UpstreamDBURL: got %s", cfg.UpstreamDBURL)
	}
}

func TestLoadEnv_ListenAddress(t *testing.T) {
	t.Setenv("LISTEN_ADDRESS", "0.0.0.0:9000")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ListenAddress != "0.0.0.0:9000" {
		t.Errorf("ListenAddress: got %s", cfg.ListenAddress)
	}
}

func TestLoadEnv_PushListenAddress(t *testing.T) {
	t.Setenv("PUSH_LISTEN_ADDRESS", "127.0.0.1:9001")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.PushListenAddress != "127.0.0.1:9001" {
		t.Errorf("PushListenAddress: got %s", cfg.PushListenAddress)
	}
}

func TestLoadEnv_ManagementPort(t *testing.T) {
	t.Setenv("MANAGEMENT_PORT", "9091")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementPort != 9091 {
		t.Errorf("ManagementPort: got %d, want 9091", cfg.ManagementPort)
	}
}

func TestLoadEnv_LogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
}

func TestLoadEnv_LocalInstance(t *testing.T) {
	t.Setenv("LOCAL_INSTANCE", "anon-3")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.LocalInstance != "anon-3" {
		t.Errorf("LocalInstance: got %s", cfg.LocalInstance)
	}
}

func TestLoadEnv_ManagementToken(t *testing.T) {
	t.Setenv("MANAGEMENT_TOKEN", "secret-token")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementToken != "secret-token" {
		t.Errorf("ManagementToken: got %s", cfg.ManagementToken)
	}
}

func TestLoadEnv_OutboundTimeoutSeconds(t *testing.T) {
	t.Setenv("OUTBOUND_TIMEOUT_SECONDS", "45")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.OutboundTimeoutSeconds != 45 {
		t.Errorf("OutboundTimeoutSeconds: got %d, want 45", cfg.OutboundTimeoutSeconds)
	}
}

func TestLoadEnv_OutboundTimeoutSeconds_Zero_Ignored(t *testing.T) {
	t.Setenv("OUTBOUND_TIMEOUT_SECONDS", "0")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.OutboundTimeoutSeconds != 300 {
		t.Errorf("OutboundTimeoutSeconds: got %d, want 300 (zero should be ignored)", cfg.OutboundTimeoutSeconds)
	}
}

func TestLoadEnv_EvidenceDedupFile(t *testing.T) {
	t.Setenv("EVIDENCE_DEDUP_FILE", "/var/lib/controller/dedup.db")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.EvidenceDedupFile != "/var/lib/controller/dedup.db" {
		t.Errorf("EvidenceDedupFile: got %s", cfg.EvidenceDedupFile)
	}
}

func TestLoadEnv_EvidenceDedupCapacity(t *testing.T) {
	t.Setenv("EVIDENCE_DEDUP_CAPACITY", "1024")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.EvidenceDedupCapacity != 1024 {
		t.Errorf("EvidenceDedupCapacity: got %d, want 1024", cfg.EvidenceDedupCapacity)
	}
}

func TestLoadEnv_EvidenceShutdownDrainSeconds(t *testing.T) {
	t.Setenv("EVIDENCE_SHUTDOWN_DRAIN_SECONDS", "30")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.EvidenceShutdownDrainSeconds != 30 {
		t.Errorf("EvidenceShutdownDrainSeconds: got %d, want 30", cfg.EvidenceShutdownDrainSeconds)
	}
}

func TestLoadEnv_EvidenceStoreFile(t *testing.T) {
	t.Setenv("EVIDENCE_STORE_FILE", "/var/lib/controller/evidence.db")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.EvidenceStoreFile != "/var/lib/controller/evidence.db" {
		t.Errorf("EvidenceStoreFile: got %s", cfg.EvidenceStoreFile)
	}
}

func TestLoadEnv_UpstreamDBURL(t *testing.T) {
	t.Setenv("UPSTREAM_DB_URL", "http://db.internal:9200")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.UpstreamDBURL != "http://db.internal:9200" {
		t.Errorf("UpstreamDBURL: got %s", cfg.UpstreamDBURL)
	}
}

func TestLoadEnv_UpstreamDBToken(t *testing.T) {
	t.Setenv("UPSTREAM_DB_TOKEN", "db-secret")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.UpstreamDBToken != "db-secret" {
		t.Errorf("UpstreamDBToken: got %s", cfg.UpstreamDBToken)
	}
}

func TestLoadEnv_InvalidPort_Ignored(t *testing.T) {
	t.Setenv("MANAGEMENT_PORT", "not-a-number")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementPort != 8081 {
		t.Errorf("ManagementPort: got %d, want 8081 (invalid env should be ignored)", cfg.ManagementPort)
	}
}

func TestLoadFile_ValidJSON(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.json")
	if err != nil {
		t.Fatal(err)
	}

	data, marshalErr := json.Marshal(map[string]any{
		"listenAddress":  "0.0.0.0:7000",
		"localInstance":  "anon-7",
		"managementPort": 7081,
	})
	if marshalErr != nil {
		t.Fatal(marshalErr)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())

	if cfg.ListenAddress != "0.0.0.0:7000" {
		t.Errorf("ListenAddress: got %s", cfg.ListenAddress)
	}
	if cfg.LocalInstance != "anon-7" {
		t.Errorf("LocalInstance: got %s", cfg.LocalInstance)
	}
	if cfg.ManagementPort != 7081 {
		t.Errorf("ManagementPort: got %d, want 7081", cfg.ManagementPort)
	}
	if cfg.PushListenAddress != "127.0.0.1:8444" {
		t.Errorf("PushListenAddress changed unexpectedly: %s", cfg.PushListenAddress)
	}
}

func TestLoadFile_Missing_IsNoOp(t *testing.T) {
	cfg := defaults()
	loadFile(cfg, "/nonexistent/path/config.json")
	if cfg.ListenAddress != "0.0.0.0:8443" {
		t.Errorf("ListenAddress changed unexpectedly: %s", cfg.ListenAddress)
	}
}

func TestLoadFile_InvalidJSON_PreservesDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-bad-*.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{this is not json}"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())
	if cfg.ListenAddress != "0.0.0.0:8443" {
		t.Errorf("ListenAddress changed on bad JSON: %s", cfg.ListenAddress)
	}
}

func TestLoad_ReturnsNonNil(t *testing.T) {
	cfg := Load()
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
	if cfg.ManagementPort <= 0 {
		t.Errorf("ManagementPort should be positive, got %d", cfg.ManagementPort)
	}
}
