package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	JWT        JWTConfig        `yaml:"jwt"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Venue      VenueConfig      `yaml:"venue"`
	Trading    TradingConfig    `yaml:"trading"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret      string `yaml:"secret"`
	ExpireHours int    `yaml:"expire_hours"`
}

type EncryptionConfig struct {
	AESKey string `yaml:"aes_key"`
}

// VenueConfig describes how to reach the MT5 bridge.
type VenueConfig struct {
	BridgeURL      string `yaml:"bridge_url"`
	StreamURL      string `yaml:"stream_url"`
	RequestTimeout int    `yaml:"request_timeout_seconds"`
}

// TradingConfig carries the order-validation and execution knobs.
type TradingConfig struct {
	AllowedSymbols  []string            `yaml:"allowed_symbols"`
	SymbolAliases   map[string][]string `yaml:"symbol_aliases"`
	MinLot          string              `yaml:"min_lot"`
	MaxLot          string              `yaml:"max_lot"`
	MaxSlippagePips float64             `yaml:"max_slippage_pips"`
	TickRetries     int                 `yaml:"tick_retries"`
	TickRetryMillis int                 `yaml:"tick_retry_millis"`
	Magic           int                 `yaml:"magic"`
	Comment         string              `yaml:"comment"`
}

type LogConfig struct {
	Dir string `yaml:"dir"`
}

// Load loads configuration from file and environment variables
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Trading.MinLot == "" {
		c.Trading.MinLot = "0.01"
	}
	if c.Trading.MaxLot == "" {
		c.Trading.MaxLot = "1.00"
	}
	if c.Trading.MaxSlippagePips == 0 {
		c.Trading.MaxSlippagePips = 2.0
	}
	if c.Trading.TickRetries == 0 {
		c.Trading.TickRetries = 10
	}
	if c.Trading.TickRetryMillis == 0 {
		c.Trading.TickRetryMillis = 200
	}
	if c.Trading.Magic == 0 {
		c.Trading.Magic = 900001
	}
	if c.Trading.Comment == "" {
		c.Trading.Comment = "SniperATR-Live"
	}
	if c.Venue.RequestTimeout == 0 {
		c.Venue.RequestTimeout = 15
	}
	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_MODE"); v != "" {
		c.Server.Mode = v
	}

	// Database
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.DBName = v
	}

	// Redis
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	// JWT
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}
	if v := os.Getenv("JWT_EXPIRE_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil {
			c.JWT.ExpireHours = hours
		}
	}

	// Encryption
	if v := os.Getenv("AES_KEY"); v != "" {
		c.Encryption.AESKey = v
	}

	// Venue bridge
	if v := os.Getenv("VENUE_BRIDGE_URL"); v != "" {
		c.Venue.BridgeURL = v
	}
	if v := os.Getenv("VENUE_STREAM_URL"); v != "" {
		c.Venue.StreamURL = v
	}
}

// RequestTimeoutDuration returns the bridge request timeout.
func (c *VenueConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// TickRetryDelay returns the pause between tick fetch retries.
func (c *TradingConfig) TickRetryDelay() time.Duration {
	return time.Duration(c.TickRetryMillis) * time.Millisecond
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return "host=" + c.Host +
		" port=" + strconv.Itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.DBName +
		" sslmode=" + c.SSLMode
}
