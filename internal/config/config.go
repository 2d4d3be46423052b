package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Engine   EngineConfig
	Dispatch DispatchConfig
	Email    EmailConfig
	Worker   WorkerConfig
	Security SecurityConfig
}

type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	// Secret enables the service-token middleware on protected routes
	// when non-empty.
	Secret      string `mapstructure:"secret"`
	ExpiryHours int    `mapstructure:"expiry_hours"`
}

type EngineConfig struct {
	// ConfirmationTimeout is the window the patient has to cancel before
	// automatic escalation.
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	// IdempotencyWindow is the trigger time bucket; retransmissions of
	// the same physical incident inside one bucket collapse to one record.
	IdempotencyWindow time.Duration `mapstructure:"idempotency_window"`
}

type DispatchConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`

	VoiceGatewayURL string `mapstructure:"voice_gateway_url"`
	SMSGatewayURL   string `mapstructure:"sms_gateway_url"`
	WhatsAppURL     string `mapstructure:"whatsapp_url"`
	WhatsAppAPIKey  string `mapstructure:"whatsapp_api_key"`
	CallbackBaseURL string `mapstructure:"callback_base_url"`
}

type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type WorkerConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	AuditRetentionDays int           `mapstructure:"audit_retention_days"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
}

type SecurityConfig struct {
	// PHIKey is a hex-encoded AES key; when set, caretaker contact
	// details and medical context are encrypted at rest.
	PHIKey string `mapstructure:"phi_key"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.timeoutSeconds", 30)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 2)

	viper.SetDefault("engine.confirmation_timeout", 60*time.Second)
	viper.SetDefault("engine.idempotency_window", 5*time.Minute)

	viper.SetDefault("dispatch.max_attempts", 3)
	viper.SetDefault("dispatch.base_backoff", time.Second)
	viper.SetDefault("dispatch.max_backoff", 8*time.Second)

	viper.SetDefault("email.port", 587)

	viper.SetDefault("worker.poll_interval", 5*time.Second)
	viper.SetDefault("worker.batch_size", 50)
	viper.SetDefault("worker.audit_retention_days", 365)
	viper.SetDefault("worker.cleanup_interval", 12*time.Hour)
}
