// Package config loads service settings and opens the database and
// RabbitMQ connections.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Settings is the service configuration. Every key can be set from the
// environment using its upper-cased name, e.g. POOL_CACHE_TTL=5m.
type Settings struct {
	Port     string
	LogLevel string

	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBTimeZone string

	RabbitMQHost     string
	RabbitMQPort     string
	RabbitMQUser     string
	RabbitMQPassword string
	NotifyQueue      string

	MeteoraAPIURL   string
	MeteoraTimeout  time.Duration
	SDKServiceURL   string
	SDKTimeout      time.Duration
	JupiterQuoteURL string
	SolanaRPC       string
	RPCRateLimit    int

	PoolCacheTTL     time.Duration
	PoolMinTVL       float64
	GroupsTTL        time.Duration
	GroupPoolsTTL    time.Duration
	GroupMinTVL      float64
	GroupLimit       int
	GroupConcurrency int

	JobConcurrency int
	JobGrace       time.Duration

	TelegramBotToken string
	TelegramAPIURL   string
	TelegramTimeout  time.Duration
	AuthCodeTTL      time.Duration

	KeystoreDir      string
	WalletAddress    string
	KeystorePassword string

	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
}

var defaults = map[string]interface{}{
	"port":      "8080",
	"log_level": "info",

	"db_host":     "localhost",
	"db_user":     "postgres",
	"db_name":     "dlmm",
	"db_port":     "5432",
	"db_timezone": "UTC",

	"rabbitmq_port": "5672",
	"notify_queue":  "dlmm_notifications",

	"meteora_api_url":   "https://dlmm-api.meteora.ag",
	"meteora_timeout":   30 * time.Second,
	"sdk_service_url":   "http://localhost:3002",
	"sdk_timeout":       60 * time.Second,
	"jupiter_quote_url": "https://lite-api.jup.ag/swap/v1/quote",
	"solana_rpc":        "https://api.mainnet-beta.solana.com",
	"rpc_rate_limit":    5,

	"pool_cache_ttl":    5 * time.Minute,
	"pool_min_tvl":      100.0,
	"groups_ttl":        time.Hour,
	"group_pools_ttl":   5 * time.Minute,
	"group_min_tvl":     10000.0,
	"group_limit":       0,
	"group_concurrency": 8,

	"job_concurrency": 8,
	"job_grace":       3 * time.Minute,

	"telegram_timeout": 15 * time.Second,
	"auth_code_ttl":    10 * time.Minute,

	"keystore_dir": "configs/keystore",

	"rate_limit_rps":   10.0,
	"rate_limit_burst": 20,
}

// Load reads .env (when present), then the environment, over the defaults.
func Load() (*Settings, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file loaded")
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	s := &Settings{
		Port:     v.GetString("port"),
		LogLevel: v.GetString("log_level"),

		DBHost:     v.GetString("db_host"),
		DBUser:     v.GetString("db_user"),
		DBPassword: v.GetString("db_password"),
		DBName:     v.GetString("db_name"),
		DBPort:     v.GetString("db_port"),
		DBTimeZone: v.GetString("db_timezone"),

		RabbitMQHost:     v.GetString("rabbitmq_host"),
		RabbitMQPort:     v.GetString("rabbitmq_port"),
		RabbitMQUser:     v.GetString("rabbitmq_user"),
		RabbitMQPassword: v.GetString("rabbitmq_password"),
		NotifyQueue:      v.GetString("notify_queue"),

		MeteoraAPIURL:   v.GetString("meteora_api_url"),
		MeteoraTimeout:  v.GetDuration("meteora_timeout"),
		SDKServiceURL:   v.GetString("sdk_service_url"),
		SDKTimeout:      v.GetDuration("sdk_timeout"),
		JupiterQuoteURL: v.GetString("jupiter_quote_url"),
		SolanaRPC:       v.GetString("solana_rpc"),
		RPCRateLimit:    v.GetInt("rpc_rate_limit"),

		PoolCacheTTL:     v.GetDuration("pool_cache_ttl"),
		PoolMinTVL:       v.GetFloat64("pool_min_tvl"),
		GroupsTTL:        v.GetDuration("groups_ttl"),
		GroupPoolsTTL:    v.GetDuration("group_pools_ttl"),
		GroupMinTVL:      v.GetFloat64("group_min_tvl"),
		GroupLimit:       v.GetInt("group_limit"),
		GroupConcurrency: v.GetInt("group_concurrency"),

		JobConcurrency: v.GetInt("job_concurrency"),
		JobGrace:       v.GetDuration("job_grace"),

		TelegramBotToken: v.GetString("telegram_bot_token"),
		TelegramAPIURL:   v.GetString("telegram_api_url"),
		TelegramTimeout:  v.GetDuration("telegram_timeout"),
		AuthCodeTTL:      v.GetDuration("auth_code_ttl"),

		KeystoreDir:      v.GetString("keystore_dir"),
		WalletAddress:    v.GetString("wallet_address"),
		KeystorePassword: v.GetString("keystore_password"),

		RateLimitRPS:   v.GetFloat64("rate_limit_rps"),
		RateLimitBurst: v.GetInt("rate_limit_burst"),
		AllowedOrigins: splitList(v.GetString("allowed_origins")),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// splitList parses a comma separated list such as
// "http://localhost:3000,http://localhost:3001".
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate rejects settings the service cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	if s.PoolCacheTTL < time.Second || s.GroupPoolsTTL < time.Second || s.GroupsTTL < time.Second {
		errs = append(errs, errors.New("cache TTLs must be at least 1s"))
	}
	if s.PoolMinTVL < 0 || s.GroupMinTVL < 0 {
		errs = append(errs, errors.New("minimum TVL cannot be negative"))
	}
	if s.JobConcurrency < 1 {
		errs = append(errs, errors.New("job_concurrency must be at least 1"))
	}
	if s.RateLimitRPS <= 0 || s.RateLimitBurst < 1 {
		errs = append(errs, errors.New("rate limit must allow at least one request"))
	}
	if s.WalletAddress != "" && s.KeystorePassword == "" {
		errs = append(errs, errors.New("keystore_password is required with wallet_address"))
	}
	if _, err := logrus.ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
	}
	return nil
}

// DSN is the Postgres connection string for gorm and golang-migrate.
func (s *Settings) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=%s",
		s.DBHost, s.DBUser, s.DBPassword, s.DBName, s.DBPort, s.DBTimeZone)
}

// RabbitMQURL is empty when no broker is configured.
func (s *Settings) RabbitMQURL() string {
	if s.RabbitMQHost == "" {
		return ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", s.RabbitMQUser, s.RabbitMQPassword, s.RabbitMQHost, s.RabbitMQPort)
}

// NewLogger returns the JSON logger used by the services.
func (s *Settings) NewLogger(service string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	if level, err := logrus.ParseLevel(s.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger.WithField("service", service)
}
