package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the reminder engine
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	API        APIConfig        `mapstructure:"api"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Settings   GlobalSettings   `mapstructure:"settings"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	AnchorTTL time.Duration `mapstructure:"anchor_ttl"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	ChangeTopic string   `mapstructure:"change_topic"`
	AlertTopic  string   `mapstructure:"alert_topic"`
	GroupID     string   `mapstructure:"group_id"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// ChannelsConfig holds third-party provider configurations
type ChannelsConfig struct {
	SendGrid   SendGridConfig             `mapstructure:"sendgrid"`
	Twilio     TwilioConfig               `mapstructure:"twilio"`
	Firebase   FirebaseConfig             `mapstructure:"firebase"`
	RateLimits map[string]RateLimitConfig `mapstructure:"rate_limits"`
}

// SendGridConfig holds SendGrid email configuration
type SendGridConfig struct {
	APIKey    string `mapstructure:"api_key"`
	FromEmail string `mapstructure:"from_email"`
	FromName  string `mapstructure:"from_name"`
}

// TwilioConfig holds Twilio SMS configuration
type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
}

// FirebaseConfig holds Firebase push notification configuration
type FirebaseConfig struct {
	CredentialsPath string `mapstructure:"credentials_path"`
}

// RateLimitConfig bounds the send rate of a single channel
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// MetricsConfig holds monitoring configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// SchedulerConfig holds scheduler loop and materialization configuration
type SchedulerConfig struct {
	NodeID        string        `mapstructure:"node_id"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
	GraceWindow   time.Duration `mapstructure:"grace_window"`
	Horizon       time.Duration `mapstructure:"horizon"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DispatchConfig holds delivery retry configuration
type DispatchConfig struct {
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// EscalationConfig holds escalation controller configuration
type EscalationConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	return load()
}

// LoadConfigFile loads configuration from an explicit file path
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return LoadConfig()
	}
	viper.SetConfigFile(path)
	return load()
}

func load() (*Config, error) {
	// Set default values
	setDefaults()

	// Read from environment variables
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Println("Config file not found, using environment variables and defaults")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.database", "reminders")
	viper.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.anchor_ttl", "5m")

	// Kafka defaults
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.change_topic", "entity-changes")
	viper.SetDefault("kafka.alert_topic", "reminder-alerts")
	viper.SetDefault("kafka.group_id", "reminder-scheduler")

	// API defaults
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.grpc_port", 9090)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9091)
	viper.SetDefault("metrics.path", "/metrics")

	// Scheduler defaults
	viper.SetDefault("scheduler.poll_interval", "30s")
	viper.SetDefault("scheduler.lease_duration", "2m")
	viper.SetDefault("scheduler.batch_size", 100)
	viper.SetDefault("scheduler.workers", 4)
	viper.SetDefault("scheduler.grace_window", "1h")
	viper.SetDefault("scheduler.horizon", "2160h")
	viper.SetDefault("scheduler.sweep_interval", "15m")

	// Dispatch defaults
	viper.SetDefault("dispatch.send_timeout", "10s")
	viper.SetDefault("dispatch.max_attempts", 5)
	viper.SetDefault("dispatch.backoff_base", "30s")
	viper.SetDefault("dispatch.backoff_max", "30m")

	// Escalation defaults
	viper.SetDefault("escalation.poll_interval", "1m")
	viper.SetDefault("escalation.batch_size", 100)

	// Global notification settings defaults
	viper.SetDefault("settings.channels.email", true)
	viper.SetDefault("settings.channels.in_app", true)
	viper.SetDefault("settings.working_hours.start", "09:00")
	viper.SetDefault("settings.working_hours.end", "17:00")
	viper.SetDefault("settings.working_hours.timezone", "UTC")
	viper.SetDefault("settings.working_hours.working_days", []string{"monday", "tuesday", "wednesday", "thursday", "friday"})
	viper.SetDefault("settings.quiet_hours.enabled", false)
	viper.SetDefault("settings.quiet_hours.start", "22:00")
	viper.SetDefault("settings.quiet_hours.end", "08:00")
	viper.SetDefault("settings.escalation.escalate_after.value", 2)
	viper.SetDefault("settings.escalation.escalate_after.unit", "hours")

	// Map environment variables
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.database", "DB_NAME")
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("scheduler.node_id", "SCHEDULER_NODE_ID")
	viper.BindEnv("channels.sendgrid.api_key", "SENDGRID_API_KEY")
	viper.BindEnv("channels.twilio.account_sid", "TWILIO_ACCOUNT_SID")
	viper.BindEnv("channels.twilio.auth_token", "TWILIO_AUTH_TOKEN")
	viper.BindEnv("channels.firebase.credentials_path", "FIREBASE_CREDENTIALS_PATH")
}
