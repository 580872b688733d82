package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application settings, loaded once at startup.
type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	WhatsApp    WhatsAppConfig
	OTP         OTPConfig
	RateLimit   RateLimitConfig
	Auth        AuthConfig
	Cache       CacheConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string // empty disables Redis; in-memory stores are used instead
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers    []string // empty disables audit publishing
	AuditTopic string
}

type WhatsAppConfig struct {
	SessionPath          string // directory holding the credential bundle database
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	SendRatePerSecond    float64
	SendBurst            int
	RequestTimeout       time.Duration
}

type OTPConfig struct {
	CodeLength  int
	TTL         time.Duration
	MaxAttempts int
	DevEcho     bool // echo the code in the API response; ignored in production
}

type RateLimitConfig struct {
	PhoneLimit  int
	PhoneWindow time.Duration
	IPLimit     int
	IPWindow    time.Duration
}

type AuthConfig struct {
	JWTSecret     string
	TokenTTL      time.Duration
	AdminAPIKey   string
	AllowedPhones []string // phones permitted to request OTPs
	AdminPhones   []string // subset granted the admin role on verification
}

type CacheConfig struct {
	// MaxPerConversation bounds cached messages per conversation; 0 keeps
	// everything for the lifetime of the process.
	MaxPerConversation int
}

var globalConfig *Config

// LoadConfig reads configuration from the environment (and .env if present).
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("ENABLE_TLS", false),
			AutoCert:     getEnvBool("AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     getEnv("TLS_CERT_FILE", ""),
			KeyFile:      getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:  getEnv("AUTO_CERT_DIR", "./certs"),
			Email:        getEnv("TLS_EMAIL", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Kafka: KafkaConfig{
			Brokers:    splitList(getEnv("KAFKA_BROKERS", "")),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "auth-events"),
		},
		WhatsApp: WhatsAppConfig{
			SessionPath:          getEnv("WHATSAPP_SESSION_PATH", "./sessions"),
			MaxReconnectAttempts: getEnvInt("WHATSAPP_MAX_RECONNECT_ATTEMPTS", 5),
			ReconnectBaseDelay:   getEnvDuration("WHATSAPP_RECONNECT_BASE_DELAY", 5*time.Second),
			ReconnectMaxDelay:    getEnvDuration("WHATSAPP_RECONNECT_MAX_DELAY", time.Minute),
			SendRatePerSecond:    getEnvFloat("WHATSAPP_SEND_RATE", 1.0),
			SendBurst:            getEnvInt("WHATSAPP_SEND_BURST", 3),
			RequestTimeout:       getEnvDuration("WHATSAPP_REQUEST_TIMEOUT", 15*time.Second),
		},
		OTP: OTPConfig{
			CodeLength:  getEnvInt("OTP_CODE_LENGTH", 6),
			TTL:         getEnvDuration("OTP_TTL", 5*time.Minute),
			MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 3),
			DevEcho:     getEnvBool("OTP_DEV_ECHO", false),
		},
		RateLimit: RateLimitConfig{
			PhoneLimit:  getEnvInt("RATE_LIMIT_PHONE", 3),
			PhoneWindow: getEnvDuration("RATE_LIMIT_PHONE_WINDOW", 10*time.Minute),
			IPLimit:     getEnvInt("RATE_LIMIT_IP", 10),
			IPWindow:    getEnvDuration("RATE_LIMIT_IP_WINDOW", 10*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET_KEY", ""),
			TokenTTL:      getEnvDuration("JWT_TOKEN_TTL", 24*time.Hour),
			AdminAPIKey:   getEnv("ADMIN_API_KEY", ""),
			AllowedPhones: splitList(getEnv("AUTHORIZED_PHONES", "")),
			AdminPhones:   splitList(getEnv("ADMIN_PHONES", "")),
		},
		Cache: CacheConfig{
			MaxPerConversation: getEnvInt("CACHE_MAX_PER_CONVERSATION", 0),
		},
	}

	globalConfig = cfg
	return cfg
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		if c.IsProduction() {
			return fmt.Errorf("JWT_SECRET_KEY is required in production")
		}
	}
	if c.IsProduction() && c.Auth.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is required in production")
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return fmt.Errorf("OTP_CODE_LENGTH must be between 4 and 10")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
