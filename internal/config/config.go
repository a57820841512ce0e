package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"storyproc/internal/core"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	API      API      `mapstructure:"api"`
	Database Database `mapstructure:"database"`
	Queue    Queue    `mapstructure:"queue"`
	Sources  Sources  `mapstructure:"sources"`
	Entities Entities `mapstructure:"entities"`
	Email    Email    `mapstructure:"email"`
	Sentry   Sentry   `mapstructure:"sentry"`
	Dirs     Dirs     `mapstructure:"dirs"`
	Logging  Logging  `mapstructure:"logging"`
}

// API holds the central server connection settings
type API struct {
	BaseURL     string `mapstructure:"base_url"`
	Key         string `mapstructure:"key"`
	Timeout     string `mapstructure:"timeout"`
	PostTimeout string `mapstructure:"post_timeout"`
}

// Database holds the audit store connection settings
type Database struct {
	URI string `mapstructure:"uri"`
}

// Queue holds the broker connection and retry policy
type Queue struct {
	BrokerURL         string `mapstructure:"broker_url"`
	Name              string `mapstructure:"name"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
	BackoffBase       string `mapstructure:"backoff_base"`
	BackoffCap        string `mapstructure:"backoff_cap"`
	WorkerConcurrency int    `mapstructure:"worker_concurrency"`
}

// Sources holds per-source credentials and run limits
type Sources struct {
	MediaCloud     MediaCloudConfig  `mapstructure:"mediacloud"`
	Wayback        WaybackConfig     `mapstructure:"wayback"`
	RSS            RSSConfig         `mapstructure:"rss"`
	Newscatcher    NewscatcherConfig `mapstructure:"newscatcher"`
	DomainCacheTTL string            `mapstructure:"domain_cache_ttl"`
	Concurrency    int               `mapstructure:"concurrency"`
	PageSize       int               `mapstructure:"page_size"`
}

// MediaCloudConfig holds full-text index settings
type MediaCloudConfig struct {
	APIToken     string `mapstructure:"api_token"`
	BaseURL      string `mapstructure:"base_url"`
	DirectoryURL string `mapstructure:"directory_url"`
	MaxStories   int    `mapstructure:"max_stories"`
}

// WaybackConfig holds archive search settings
type WaybackConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	MaxStories int    `mapstructure:"max_stories"`
}

// RSSConfig holds alert feed settings
type RSSConfig struct {
	MaxStories int `mapstructure:"max_stories"`
}

// NewscatcherConfig holds commercial API settings
type NewscatcherConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	MaxStories int    `mapstructure:"max_stories"`
}

// Entities holds the optional entity server address
type Entities struct {
	ServerURL string `mapstructure:"server_url"`
}

// Email holds notifier configuration
type Email struct {
	SMTP         SMTPConfig `mapstructure:"smtp"`
	NotifyEmails string     `mapstructure:"notify_emails"`
}

// SMTPConfig holds SMTP connection settings
type SMTPConfig struct {
	Address     string `mapstructure:"address"`
	Port        int    `mapstructure:"port"`
	UserName    string `mapstructure:"user_name"`
	Password    string `mapstructure:"password"`
	FromAddress string `mapstructure:"from_address"`
}

// Sentry holds error reporting configuration
type Sentry struct {
	DSN string `mapstructure:"dsn"`
}

// Dirs holds the filesystem layout
type Dirs struct {
	Config string `mapstructure:"config"`
	Models string `mapstructure:"models"`
	Cache  string `mapstructure:"cache"`
	Logs   string `mapstructure:"logs"`
}

// Logging holds logging configuration
type Logging struct {
	Level string `mapstructure:"level"`
}

var globalConfig *Config

// Load loads the configuration from various sources
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	// Configure viper
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".storyproc")
		viper.SetConfigType("yaml")
	}

	// Set defaults
	setDefaults()

	// Bind environment variables
	bindEnvironmentVariables()

	// Enable automatic environment variable reading
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into struct
	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply post-processing
	if err := postProcessConfig(config); err != nil {
		return nil, fmt.Errorf("error post-processing config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

// setDefaults sets default configuration values
func setDefaults() {
	// Central server defaults
	viper.SetDefault("api.timeout", "60s")
	viper.SetDefault("api.post_timeout", "10m")

	// Queue defaults
	viper.SetDefault("queue.name", "storyproc")
	viper.SetDefault("queue.max_attempts", 5)
	viper.SetDefault("queue.backoff_base", "30s")
	viper.SetDefault("queue.backoff_cap", "10m")
	viper.SetDefault("queue.worker_concurrency", 4)

	// Source defaults
	viper.SetDefault("sources.mediacloud.base_url", "https://api.mediacloud.org/api/v2")
	viper.SetDefault("sources.mediacloud.directory_url", "https://directory.mediacloud.org")
	viper.SetDefault("sources.mediacloud.max_stories", 40000)
	viper.SetDefault("sources.wayback.base_url", "https://web.archive.org/collections")
	viper.SetDefault("sources.wayback.max_stories", 5000)
	viper.SetDefault("sources.rss.max_stories", 5000)
	viper.SetDefault("sources.newscatcher.base_url", "https://api.newscatcherapi.com/v2")
	viper.SetDefault("sources.newscatcher.max_stories", 5000)
	viper.SetDefault("sources.domain_cache_ttl", "12h")
	viper.SetDefault("sources.concurrency", 8)
	viper.SetDefault("sources.page_size", 100)

	// Email defaults
	viper.SetDefault("email.smtp.port", 587)

	// Directory defaults
	viper.SetDefault("dirs.config", "config")
	viper.SetDefault("dirs.models", "files/models")
	viper.SetDefault("dirs.cache", "files/cache")
	viper.SetDefault("dirs.logs", "logs")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
}

// bindEnvironmentVariables sets up flexible environment variable binding
func bindEnvironmentVariables() {
	bindEnvKeys("api.base_url", []string{
		"FEMINICIDE_API_URL",
	})

	bindEnvKeys("api.key", []string{
		"FEMINICIDE_API_KEY",
	})

	bindEnvKeys("database.uri", []string{
		"PROCESSOR_DB_URI",
		"DATABASE_URL",
	})

	bindEnvKeys("queue.broker_url", []string{
		"BROKER_URL",
		"REDIS_URL",
	})

	bindEnvKeys("sources.mediacloud.api_token", []string{
		"MC_API_TOKEN",
		"MC_API_KEY",
	})

	bindEnvKeys("sources.newscatcher.api_key", []string{
		"NEWSCATCHER_API_KEY",
	})

	bindEnvKeys("entities.server_url", []string{
		"ENTITY_SERVER_URL",
	})

	// Email SMTP
	bindEnvKeys("email.smtp.address", []string{
		"SMTP_ADDRESS",
		"SMTP_HOST",
	})

	bindEnvKeys("email.smtp.port", []string{
		"SMTP_PORT",
	})

	bindEnvKeys("email.smtp.user_name", []string{
		"SMTP_USER_NAME",
		"SMTP_USERNAME",
	})

	bindEnvKeys("email.smtp.password", []string{
		"SMTP_PASSWORD",
	})

	bindEnvKeys("email.smtp.from_address", []string{
		"SMTP_FROM_ADDRESS",
	})

	bindEnvKeys("email.notify_emails", []string{
		"NOTIFY_EMAILS",
	})

	bindEnvKeys("sentry.dsn", []string{
		"SENTRY_DSN",
	})

	bindEnvKeys("logging.level", []string{
		"LOG_LEVEL",
	})
}

// bindEnvKeys binds the first found environment variable to a viper key
func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

// postProcessConfig applies post-processing to configuration values
func postProcessConfig(config *Config) error {
	// Validate durations
	durations := map[string]string{
		"api.timeout":              config.API.Timeout,
		"api.post_timeout":         config.API.PostTimeout,
		"queue.backoff_base":       config.Queue.BackoffBase,
		"queue.backoff_cap":        config.Queue.BackoffCap,
		"sources.domain_cache_ttl": config.Sources.DomainCacheTTL,
	}

	for key, duration := range durations {
		if duration != "" {
			if _, err := time.ParseDuration(duration); err != nil {
				return fmt.Errorf("invalid duration for %s: %s", key, duration)
			}
		}
	}

	// Clamp the stage pool to the supported range
	if config.Sources.Concurrency < 1 {
		config.Sources.Concurrency = 8
	}
	if config.Sources.Concurrency > 16 {
		config.Sources.Concurrency = 16
	}

	return nil
}

// validateConfig ensures required configuration is present
func validateConfig(config *Config) error {
	var errors []string

	if config.API.BaseURL == "" {
		errors = append(errors, "central server URL is required. Set FEMINICIDE_API_URL environment variable or api.base_url in config file")
	}
	if config.API.Key == "" {
		errors = append(errors, "central server API key is required. Set FEMINICIDE_API_KEY environment variable or api.key in config file")
	}
	if config.Database.URI == "" {
		errors = append(errors, "audit database URI is required. Set PROCESSOR_DB_URI environment variable or database.uri in config file")
	}
	if config.Queue.BrokerURL == "" {
		errors = append(errors, "queue broker URL is required. Set BROKER_URL environment variable or queue.broker_url in config file")
	}

	// Email settings are all-or-nothing
	smtp := config.Email.SMTP
	anyEmail := smtp.Address != "" || smtp.UserName != "" || smtp.Password != "" ||
		smtp.FromAddress != "" || config.Email.NotifyEmails != ""
	if anyEmail {
		if smtp.Address == "" {
			errors = append(errors, "SMTP address is required when email is configured")
		}
		if smtp.UserName == "" {
			errors = append(errors, "SMTP user name is required when email is configured")
		}
		if smtp.Password == "" {
			errors = append(errors, "SMTP password is required when email is configured")
		}
		if smtp.FromAddress == "" {
			errors = append(errors, "SMTP from address is required when email is configured")
		}
		if config.Email.NotifyEmails == "" {
			errors = append(errors, "NOTIFY_EMAILS is required when email is configured")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("%w:\n- %s", core.ErrConfig, strings.Join(errors, "\n- "))
	}

	return nil
}

// Convenience getters for commonly used configuration values
func GetAPI() API           { return Get().API }
func GetDatabase() Database { return Get().Database }
func GetQueue() Queue       { return Get().Queue }
func GetSources() Sources   { return Get().Sources }
func GetEmail() Email       { return Get().Email }
func GetDirs() Dirs         { return Get().Dirs }

// APITimeout returns the parsed default HTTP timeout for central server calls.
func (a API) APITimeout() time.Duration {
	d, err := time.ParseDuration(a.Timeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// PostTimeoutDuration returns the parsed timeout for result posting.
func (a API) PostTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(a.PostTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// BackoffBaseDuration returns the parsed base delay for job retries.
func (q Queue) BackoffBaseDuration() time.Duration {
	d, err := time.ParseDuration(q.BackoffBase)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// BackoffCapDuration returns the parsed upper bound for job retry delays.
func (q Queue) BackoffCapDuration() time.Duration {
	d, err := time.ParseDuration(q.BackoffCap)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// DomainCacheTTLDuration returns the parsed collection domain cache TTL.
func (s Sources) DomainCacheTTLDuration() time.Duration {
	d, err := time.ParseDuration(s.DomainCacheTTL)
	if err != nil || d <= 0 {
		return 12 * time.Hour
	}
	return d
}

// Recipients splits the notify list into individual addresses.
func (e Email) Recipients() []string {
	if e.NotifyEmails == "" {
		return nil
	}
	parts := strings.Split(e.NotifyEmails, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if addr := strings.TrimSpace(p); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// IsEmailConfigured reports whether the notifier can send mail.
func IsEmailConfigured() bool {
	cfg := Get()
	smtp := cfg.Email.SMTP
	return smtp.Address != "" && smtp.UserName != "" && smtp.Password != "" &&
		smtp.FromAddress != "" && len(cfg.Email.Recipients()) > 0
}

// Reset clears the global configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viper.Reset()
}
