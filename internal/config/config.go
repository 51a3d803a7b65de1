package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Approval source selection. api parks runs until an operator decides over
// the HTTP API, auto approves immediately (dev setups), remote defers to an
// external approval service.
const (
	ApprovalModeAPI    = "api"
	ApprovalModeAuto   = "auto"
	ApprovalModeRemote = "remote"
)

type Config struct {
	Addr         string
	DatabaseURL  string
	ComputeURL   string
	ServingURL   string
	RegistryURL  string
	RemoteAPIKey string

	PollInterval      time.Duration
	PollMaxDuration   time.Duration
	StatusRetryBudget int

	ApprovalMode    string
	ApprovalTimeout time.Duration
	ApprovalURL     string

	KafkaBrokers []string
	KafkaTopic   string

	ArtifactBucket string
	EventsBucket   string
	EventsPrefix   string

	AuthSecret      string
	AllowDebugToken bool
	DebugToken      string

	SignerKeyB64 string
	SignerID     string
}

const (
	defaultAddr         = ":8070"
	defaultSignerID     = "slipway-service"
	defaultPollInterval = 30 * time.Second
	defaultRetryBudget  = 3
	defaultKafkaTopic   = "release-events"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:         getEnv("SLIPWAY_ADDR", defaultAddr),
		DatabaseURL:  firstNonEmpty(os.Getenv("SLIPWAY_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		ComputeURL:   os.Getenv("SLIPWAY_COMPUTE_URL"),
		ServingURL:   os.Getenv("SLIPWAY_SERVING_URL"),
		RegistryURL:  os.Getenv("SLIPWAY_REGISTRY_URL"),
		RemoteAPIKey: os.Getenv("SLIPWAY_REMOTE_API_KEY"),

		PollInterval:      getDuration("SLIPWAY_POLL_INTERVAL", defaultPollInterval),
		PollMaxDuration:   getDuration("SLIPWAY_POLL_MAX_DURATION", 0),
		StatusRetryBudget: getInt("SLIPWAY_STATUS_RETRY_BUDGET", defaultRetryBudget),

		ApprovalMode:    getEnv("SLIPWAY_APPROVAL_MODE", ApprovalModeAPI),
		ApprovalTimeout: getDuration("SLIPWAY_APPROVAL_TIMEOUT", 0),
		ApprovalURL:     os.Getenv("SLIPWAY_APPROVAL_URL"),

		KafkaBrokers: splitList(os.Getenv("SLIPWAY_KAFKA_BROKERS")),
		KafkaTopic:   getEnv("SLIPWAY_KAFKA_TOPIC", defaultKafkaTopic),

		ArtifactBucket: os.Getenv("SLIPWAY_ARTIFACT_BUCKET"),
		EventsBucket:   os.Getenv("SLIPWAY_EVENTS_BUCKET"),
		EventsPrefix:   os.Getenv("SLIPWAY_EVENTS_PREFIX"),

		AuthSecret:      os.Getenv("SLIPWAY_AUTH_SECRET"),
		AllowDebugToken: getBool("SLIPWAY_ALLOW_DEBUG_TOKEN", false),
		DebugToken:      os.Getenv("SLIPWAY_DEBUG_TOKEN"),

		SignerKeyB64: os.Getenv("SLIPWAY_SIGNER_KEY_B64"),
		SignerID:     getEnv("SLIPWAY_SIGNER_ID", defaultSignerID),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or SLIPWAY_DATABASE_URL required")
	}
	if cfg.SignerKeyB64 == "" {
		return Config{}, fmt.Errorf("SLIPWAY_SIGNER_KEY_B64 required")
	}
	if cfg.AuthSecret == "" && !cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("SLIPWAY_AUTH_SECRET required when SLIPWAY_ALLOW_DEBUG_TOKEN unset")
	}
	switch cfg.ApprovalMode {
	case ApprovalModeAPI, ApprovalModeAuto:
	case ApprovalModeRemote:
		if cfg.ApprovalURL == "" {
			return Config{}, fmt.Errorf("SLIPWAY_APPROVAL_URL required when SLIPWAY_APPROVAL_MODE=remote")
		}
	default:
		return Config{}, fmt.Errorf("SLIPWAY_APPROVAL_MODE must be api, auto or remote, got %q", cfg.ApprovalMode)
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("SLIPWAY_POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
