package config

import (
	"testing"
	"time"
)

func setBaseline(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://slipway:pw@localhost/slipway?sslmode=disable")
	t.Setenv("SLIPWAY_SIGNER_KEY_B64", "c2lnbmVyLWtleQ==")
	t.Setenv("SLIPWAY_AUTH_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setBaseline(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8070" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval)
	}
	if cfg.StatusRetryBudget != 3 {
		t.Fatalf("unexpected retry budget %d", cfg.StatusRetryBudget)
	}
	if cfg.ApprovalMode != ApprovalModeAPI {
		t.Fatalf("unexpected approval mode %q", cfg.ApprovalMode)
	}
	if cfg.KafkaTopic != "release-events" {
		t.Fatalf("unexpected kafka topic %q", cfg.KafkaTopic)
	}
	if cfg.SignerID != "slipway-service" {
		t.Fatalf("unexpected signer id %q", cfg.SignerID)
	}
	if cfg.KafkaBrokers != nil {
		t.Fatalf("expected no brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadOverrides(t *testing.T) {
	setBaseline(t)
	t.Setenv("SLIPWAY_DATABASE_URL", "postgres://other/db")
	t.Setenv("SLIPWAY_ADDR", ":9000")
	t.Setenv("SLIPWAY_POLL_INTERVAL", "5s")
	t.Setenv("SLIPWAY_POLL_MAX_DURATION", "2h")
	t.Setenv("SLIPWAY_STATUS_RETRY_BUDGET", "7")
	t.Setenv("SLIPWAY_APPROVAL_TIMEOUT", "45m")
	t.Setenv("SLIPWAY_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://other/db" {
		t.Fatalf("SLIPWAY_DATABASE_URL must win over DATABASE_URL, got %q", cfg.DatabaseURL)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.PollInterval != 5*time.Second || cfg.PollMaxDuration != 2*time.Hour {
		t.Fatalf("durations not parsed: %s / %s", cfg.PollInterval, cfg.PollMaxDuration)
	}
	if cfg.StatusRetryBudget != 7 {
		t.Fatalf("unexpected retry budget %d", cfg.StatusRetryBudget)
	}
	if cfg.ApprovalTimeout != 45*time.Minute {
		t.Fatalf("unexpected approval timeout %s", cfg.ApprovalTimeout)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "kafka-1:9092" || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("brokers not split: %v", cfg.KafkaBrokers)
	}
}

func TestLoadRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SLIPWAY_DATABASE_URL", "")
	t.Setenv("SLIPWAY_SIGNER_KEY_B64", "c2lnbmVyLWtleQ==")
	t.Setenv("SLIPWAY_AUTH_SECRET", "test-secret")

	if _, err := Load(); err == nil {
		t.Fatalf("missing database url accepted")
	}
}

func TestLoadRequiresSignerKey(t *testing.T) {
	setBaseline(t)
	t.Setenv("SLIPWAY_SIGNER_KEY_B64", "")

	if _, err := Load(); err == nil {
		t.Fatalf("missing signer key accepted")
	}
}

func TestLoadRequiresAuthSecretUnlessDebug(t *testing.T) {
	setBaseline(t)
	t.Setenv("SLIPWAY_AUTH_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatalf("missing auth secret accepted")
	}

	t.Setenv("SLIPWAY_ALLOW_DEBUG_TOKEN", "true")
	if _, err := Load(); err != nil {
		t.Fatalf("debug-token setup rejected: %v", err)
	}
}

func TestLoadApprovalModes(t *testing.T) {
	setBaseline(t)

	t.Setenv("SLIPWAY_APPROVAL_MODE", "remote")
	if _, err := Load(); err == nil {
		t.Fatalf("remote mode without SLIPWAY_APPROVAL_URL accepted")
	}
	t.Setenv("SLIPWAY_APPROVAL_URL", "https://approvals.internal")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ApprovalMode != ApprovalModeRemote {
		t.Fatalf("unexpected mode %q", cfg.ApprovalMode)
	}

	t.Setenv("SLIPWAY_APPROVAL_MODE", "vote")
	if _, err := Load(); err == nil {
		t.Fatalf("unknown approval mode accepted")
	}
}
