package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Binance  Binance  `mapstructure:"binance"`
	Tracker  Tracker  `mapstructure:"tracker"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Binance holds the configuration for the Binance API.
type Binance struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// AccountType is FUTURES or SPOT.
	AccountType string `mapstructure:"account_type"`
	RecvWindow  int    `mapstructure:"recv_window"`
}

// IsSpot reports whether the account is a spot account.
func (b Binance) IsSpot() bool {
	return strings.EqualFold(strings.TrimSpace(b.AccountType), "SPOT")
}

// Server holds the configuration for the web servers.
type Server struct {
	Port    int `mapstructure:"port"`
	ApiPort int `mapstructure:"api_port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Tracker holds the configuration for position tracking and reconciliation.
type Tracker struct {
	Mode                string        `mapstructure:"mode"`
	Symbols             []string      `mapstructure:"symbols"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MissingThreshold    int           `mapstructure:"missing_threshold"`
	MissingAutoclose    bool          `mapstructure:"missing_autoclose"`
	MissingGraceSeconds int           `mapstructure:"missing_grace_seconds"`
	VerifyTimeout       time.Duration `mapstructure:"verify_timeout"`
	LiquidationWindow   time.Duration `mapstructure:"liquidation_window"`
	MaxClosedHistory    int           `mapstructure:"max_closed_history"`
	RegistryCapacity    int           `mapstructure:"registry_capacity"`
	StatePath           string        `mapstructure:"state_path"`
	StateMaxAge         time.Duration `mapstructure:"state_max_age"`
	PersistInterval     time.Duration `mapstructure:"persist_interval"`
	DedupTTL            time.Duration `mapstructure:"dedup_ttl"`
	DedupCapacity       int           `mapstructure:"dedup_capacity"`
	CloseOnExit         bool          `mapstructure:"close_on_exit"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

func setDefaults() {
	viper.SetDefault("binance.rate_limit", 20)      // requests per second
	viper.SetDefault("binance.rate_limit_burst", 5) // burst size
	viper.SetDefault("binance.account_type", "FUTURES")
	viper.SetDefault("binance.recv_window", 5000)

	viper.SetDefault("tracker.mode", "Live")
	viper.SetDefault("tracker.poll_interval", "5s")
	viper.SetDefault("tracker.missing_threshold", 2)
	viper.SetDefault("tracker.missing_autoclose", true)
	viper.SetDefault("tracker.missing_grace_seconds", 30)
	viper.SetDefault("tracker.verify_timeout", "4s")
	viper.SetDefault("tracker.liquidation_window", "15m")
	viper.SetDefault("tracker.max_closed_history", 300)
	viper.SetDefault("tracker.registry_capacity", 300)
	viper.SetDefault("tracker.state_path", "data/positions_state.json")
	viper.SetDefault("tracker.state_max_age", "24h")
	viper.SetDefault("tracker.persist_interval", "30s")
	viper.SetDefault("tracker.dedup_ttl", "10m")
	viper.SetDefault("tracker.dedup_capacity", 400)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.api_port", 8081)
	viper.SetDefault("database.dsn", "data/tracker.db")
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

// Watch calls onChange with the re-read configuration every time the config file
// changes. Files that fail to parse are passed to onError and otherwise ignored.
func Watch(onChange func(Config), onError func(error)) {
	viper.OnConfigChange(func(evt fsnotify.Event) {
		var cfg Config
		if err := viper.Unmarshal(&cfg); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}
