package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the swapdesk service.
type Config struct {
	Port        string
	DatabaseURL string
	Environment string
	LogFile     string

	SessionSecret   string
	SessionIssuer   string
	SessionAudience string

	StorageBaseURL   string
	StorageAPIKey    string
	ProviderBaseURL  string
	ProviderKeyID    string
	ProviderSecret   string
	ScannerBaseURL   string
	ScannerSecret    string
	AnalysisBaseURL  string
	AnalysisSecret   string
	NotifyBaseURL    string
	CollaboratorTTL  time.Duration
	WebhookRateLimit float64

	ExpirySweepInterval   time.Duration
	ProgressSweepInterval time.Duration
	SwapRetryInterval     time.Duration
	ScanSweepInterval     time.Duration

	ReconOutputDir string
	ReconRunHour   int
	ReconRunMinute int

	Policy Policy
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("SWAPDESK_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("SWAPDESK_DB_URL is required")
	}
	sessionSecret := strings.TrimSpace(os.Getenv("SWAPDESK_SESSION_SECRET"))
	if sessionSecret == "" {
		return nil, fmt.Errorf("SWAPDESK_SESSION_SECRET is required")
	}
	storageBase := os.Getenv("SWAPDESK_STORAGE_BASE_URL")
	if storageBase == "" {
		return nil, fmt.Errorf("SWAPDESK_STORAGE_BASE_URL is required")
	}
	providerBase := os.Getenv("SWAPDESK_PROVIDER_BASE_URL")
	if providerBase == "" {
		return nil, fmt.Errorf("SWAPDESK_PROVIDER_BASE_URL is required")
	}
	providerSecret := strings.TrimSpace(os.Getenv("SWAPDESK_PROVIDER_SECRET"))
	if providerSecret == "" {
		return nil, fmt.Errorf("SWAPDESK_PROVIDER_SECRET is required")
	}

	cfg := &Config{
		Port:        getEnvDefault("SWAPDESK_PORT", "8080"),
		DatabaseURL: dbURL,
		Environment: getEnvDefault("SWAPDESK_ENV", "dev"),
		LogFile:     os.Getenv("SWAPDESK_LOG_FILE"),

		SessionSecret:   sessionSecret,
		SessionIssuer:   getEnvDefault("SWAPDESK_SESSION_ISSUER", "swapdesk"),
		SessionAudience: getEnvDefault("SWAPDESK_SESSION_AUDIENCE", "swapdesk"),

		StorageBaseURL:   storageBase,
		StorageAPIKey:    os.Getenv("SWAPDESK_STORAGE_API_KEY"),
		ProviderBaseURL:  providerBase,
		ProviderKeyID:    getEnvDefault("SWAPDESK_PROVIDER_KEY_ID", "swapdesk"),
		ProviderSecret:   providerSecret,
		ScannerBaseURL:   os.Getenv("SWAPDESK_SCANNER_BASE_URL"),
		ScannerSecret:    os.Getenv("SWAPDESK_SCANNER_SECRET"),
		AnalysisBaseURL:  os.Getenv("SWAPDESK_ANALYSIS_BASE_URL"),
		AnalysisSecret:   os.Getenv("SWAPDESK_ANALYSIS_SECRET"),
		NotifyBaseURL:    os.Getenv("SWAPDESK_NOTIFY_BASE_URL"),
		CollaboratorTTL:  secondsEnv("SWAPDESK_COLLABORATOR_TIMEOUT_SECONDS", 15),
		WebhookRateLimit: floatEnv("SWAPDESK_WEBHOOK_RATE_PER_MINUTE", 120),

		ExpirySweepInterval:   secondsEnv("SWAPDESK_EXPIRY_SWEEP_SECONDS", 60),
		ProgressSweepInterval: secondsEnv("SWAPDESK_PROGRESS_SWEEP_SECONDS", 60),
		SwapRetryInterval:     secondsEnv("SWAPDESK_SWAP_RETRY_SECONDS", 120),
		ScanSweepInterval:     secondsEnv("SWAPDESK_SCAN_SWEEP_SECONDS", 300),

		ReconOutputDir: getEnvDefault("SWAPDESK_RECON_OUTPUT_DIR", "swapdesk-data/recon"),
		ReconRunHour:   intEnv("SWAPDESK_RECON_RUN_HOUR", 1),
		ReconRunMinute: intEnv("SWAPDESK_RECON_RUN_MINUTE", 5),
	}

	policy, err := LoadPolicy(os.Getenv("SWAPDESK_POLICY_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	return cfg, nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func floatEnv(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func secondsEnv(key string, fallback int) time.Duration {
	return time.Duration(intEnv(key, fallback)) * time.Second
}
