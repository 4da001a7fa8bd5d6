// Package config reads process configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"storefront-chat/internal/connection"
	"storefront-chat/internal/models"
)

type Config struct {
	Gateway   GatewayConfig
	Client    ClientConfig
	AMQP      AMQPConfig
	Telemetry TelemetryConfig
}

type GatewayConfig struct {
	Port         string
	JWTSecret    string
	HistoryLimit int
	DebugRoutes  bool
	Environment  string
}

type ClientConfig struct {
	URL            string
	Token          string
	ConversationID string
	Role           models.SenderRole
	UserID         string
	SendTimeout    time.Duration
	Reconnect      connection.Policy
	LinkBase       string
}

type AMQPConfig struct {
	URL                  string
	Exchange             string
	NotificationExchange string
}

type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	historyLimit, err := strconv.Atoi(getEnv("HISTORY_LIMIT", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid HISTORY_LIMIT: %w", err)
	}
	debug, err := strconv.ParseBool(getEnv("DEBUG_ROUTES", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEBUG_ROUTES: %w", err)
	}
	sendTimeout, err := time.ParseDuration(getEnv("CHAT_SEND_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid CHAT_SEND_TIMEOUT: %w", err)
	}
	attempts, err := strconv.Atoi(getEnv("CHAT_RECONNECT_ATTEMPTS", "5"))
	if err != nil || attempts < 0 {
		return nil, fmt.Errorf("invalid CHAT_RECONNECT_ATTEMPTS: %q", getEnv("CHAT_RECONNECT_ATTEMPTS", ""))
	}
	base, err := time.ParseDuration(getEnv("CHAT_RECONNECT_BASE", "500ms"))
	if err != nil {
		return nil, fmt.Errorf("invalid CHAT_RECONNECT_BASE: %w", err)
	}
	maxDelay, err := time.ParseDuration(getEnv("CHAT_RECONNECT_MAX", "8s"))
	if err != nil {
		return nil, fmt.Errorf("invalid CHAT_RECONNECT_MAX: %w", err)
	}

	role := models.SenderRole(getEnv("CHAT_ROLE", string(models.RoleCustomer)))
	if !role.Valid() {
		return nil, fmt.Errorf("invalid CHAT_ROLE: %q", role)
	}

	cfg := &Config{
		Gateway: GatewayConfig{
			Port:         getEnv("PORT", "8083"),
			JWTSecret:    getEnv("JWT_SECRET", ""),
			HistoryLimit: historyLimit,
			DebugRoutes:  debug,
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Client: ClientConfig{
			URL:            getEnv("CHAT_WS_URL", "ws://localhost:8083/ws"),
			Token:          getEnv("CHAT_TOKEN", ""),
			ConversationID: getEnv("CHAT_CONVERSATION_ID", models.TempConversationID),
			Role:           role,
			UserID:         getEnv("CHAT_USER_ID", ""),
			SendTimeout:    sendTimeout,
			Reconnect: connection.Policy{
				Attempts: attempts,
				Base:     base,
				Max:      maxDelay,
			},
			LinkBase: getEnv("NOTIFY_LINK_BASE", "/support/conversations"),
		},
		AMQP: AMQPConfig{
			URL:                  getEnv("AMQP_URL", ""),
			Exchange:             getEnv("AMQP_EXCHANGE", "chat.events"),
			NotificationExchange: getEnv("AMQP_NOTIFICATION_EXCHANGE", "notifications"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "storefront-chat"),
		},
	}
	return cfg, nil
}

// Validate checks what the gateway cannot start without.
func (c *GatewayConfig) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return nil
}

func (c *GatewayConfig) Addr() string {
	return ":" + c.Port
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
