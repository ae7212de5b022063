package main

import (
	"os"
	"strconv"
	"time"

	"github.com/cngnramp/backend/apperror"
)

// Config is populated from environment variables at startup. Every worker's
// tunables (poll interval, batch size, max retries) live alongside the
// process-wide settings they're read next to, rather than a nested config
// tree per package.
type Config struct {
	Port string

	DatabaseURL string

	HorizonURL        string
	NetworkPassphrase string
	CngnIssuer        string

	HotWalletSecret     string
	SystemWalletAddress string

	PaystackSecretKey        string
	PaystackWebhookSecret    string
	FlutterwaveSecretKey     string
	FlutterwaveWebhookSecret string
	ProviderTimeout          time.Duration
	ProviderMaxRetries       int

	OfframpPollIntervalSeconds int
	OfframpBatchSize           int
	OfframpRetryTimeoutHours   int

	MonitorPollIntervalSeconds int
	MonitorPendingTimeoutSecs  int
	MonitorMaxRetries          int
	MonitorBatchSize           int

	WebhookRetryIntervalSeconds int
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// LoadConfig populates Config from the environment, applying the
// documented defaults for every tunable a caller doesn't set.
func LoadConfig() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		HorizonURL:        getEnv("HORIZON_URL", "https://horizon-testnet.stellar.org"),
		NetworkPassphrase: getEnv("NETWORK_PASSPHRASE", "Test SDF Network ; September 2015"),
		CngnIssuer:        getEnv("CNGN_ISSUER", ""),

		HotWalletSecret:     getEnv("HOT_WALLET_SECRET_KEY", ""),
		SystemWalletAddress: getEnv("SYSTEM_WALLET_ADDRESS", ""),

		PaystackSecretKey:        getEnv("PAYSTACK_SECRET_KEY", ""),
		PaystackWebhookSecret:    getEnv("PAYSTACK_WEBHOOK_SECRET", ""),
		FlutterwaveSecretKey:     getEnv("FLUTTERWAVE_SECRET_KEY", ""),
		FlutterwaveWebhookSecret: getEnv("FLUTTERWAVE_WEBHOOK_SECRET", ""),
		ProviderTimeout:          time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 15)) * time.Second,
		ProviderMaxRetries:       getEnvInt("PROVIDER_MAX_RETRIES", 3),

		OfframpPollIntervalSeconds: getEnvInt("OFFRAMP_POLL_INTERVAL_SECONDS", 10),
		OfframpBatchSize:           getEnvInt("OFFRAMP_BATCH_SIZE", 50),
		OfframpRetryTimeoutHours:   getEnvInt("OFFRAMP_RETRY_TIMEOUT_HOURS", 24),

		MonitorPollIntervalSeconds: getEnvInt("MONITOR_POLL_INTERVAL_SECONDS", 7),
		MonitorPendingTimeoutSecs:  getEnvInt("MONITOR_PENDING_TIMEOUT_SECONDS", 600),
		MonitorMaxRetries:          getEnvInt("MONITOR_MAX_RETRIES", 5),
		MonitorBatchSize:           getEnvInt("MONITOR_BATCH_SIZE", 200),

		WebhookRetryIntervalSeconds: getEnvInt("WEBHOOK_RETRY_INTERVAL_SECONDS", 60),
	}
}

// Validate enforces the credentials the process cannot run without: a hot
// wallet to sign refunds, the system wallet it refunds from, and the cNGN
// issuer every trustline and payment check is anchored against.
func (c Config) Validate() error {
	if c.HotWalletSecret == "" {
		return apperror.Infrastructure(apperror.ConfigurationError, "HOT_WALLET_SECRET_KEY is required", nil, false)
	}
	if c.SystemWalletAddress == "" {
		return apperror.Infrastructure(apperror.ConfigurationError, "SYSTEM_WALLET_ADDRESS is required", nil, false)
	}
	if c.CngnIssuer == "" {
		return apperror.Infrastructure(apperror.ConfigurationError, "CNGN_ISSUER is required", nil, false)
	}
	return nil
}
