package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	GatewayPort   string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// GatewayBaseURL is where the coordinator reaches the connection gateway.
	GatewayBaseURL string
	// SidecarBaseURL is where the gateway reaches the WhatsApp Web automation sidecar.
	SidecarBaseURL string
	// InboundWebhookURL receives inbound WhatsApp messages from the gateway.
	InboundWebhookURL string
	// CredentialsDir holds per-session WhatsApp credential material on the gateway host.
	CredentialsDir string

	// QRExpiry is the validity window of a pairing QR code. The code is
	// single-use and short-lived by design of the pairing protocol.
	QRExpiry time.Duration
	// QRPollInterval and QRPollTimeout bound the coordinator's wait for a QR code.
	QRPollInterval time.Duration
	QRPollTimeout  time.Duration
	// GatewayQRWait bounds how long the gateway's /qrcode handler holds a
	// request waiting for the asynchronous QR event before answering 408.
	GatewayQRWait time.Duration
	// LivenessProbeTimeout bounds the ghost-handle health check.
	LivenessProbeTimeout time.Duration
	// ReconnectBackoff is the fixed delay before re-dialing after a
	// recoverable disconnect.
	ReconnectBackoff time.Duration
	// ConflictRetryDelay is the pause between a forced disconnect and the
	// single retry when gateway and coordinator disagree on session state.
	ConflictRetryDelay time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		GatewayPort:   getEnv("GATEWAY_PORT", "8081"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		GatewayBaseURL:    getEnv("GATEWAY_BASE_URL", "http://localhost:8081"),
		SidecarBaseURL:    getEnv("SIDECAR_BASE_URL", "http://localhost:3000"),
		InboundWebhookURL: getEnv("INBOUND_WEBHOOK_URL", ""),
		CredentialsDir:    getEnv("WA_CREDENTIALS_DIR", "/var/lib/zapclinic/wa-credentials"),

		QRExpiry:             getEnvAsDuration("WA_QR_EXPIRY", 2*time.Minute),
		QRPollInterval:       getEnvAsDuration("WA_QR_POLL_INTERVAL", 500*time.Millisecond),
		QRPollTimeout:        getEnvAsDuration("WA_QR_POLL_TIMEOUT", 90*time.Second),
		GatewayQRWait:        getEnvAsDuration("WA_GATEWAY_QR_WAIT", 30*time.Second),
		LivenessProbeTimeout: getEnvAsDuration("WA_LIVENESS_PROBE_TIMEOUT", 3*time.Second),
		ReconnectBackoff:     getEnvAsDuration("WA_RECONNECT_BACKOFF", 5*time.Second),
		ConflictRetryDelay:   getEnvAsDuration("WA_CONFLICT_RETRY_DELAY", 3*time.Second),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
