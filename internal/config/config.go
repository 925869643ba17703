package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig              `mapstructure:"server"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Connections map[string]DatabaseConfig `mapstructure:"connections"`
	Storage     StorageConfig             `mapstructure:"storage"`
	Media       MediaConfig               `mapstructure:"media"`
	Layers      LayersConfig              `mapstructure:"layers"`
	Bulk        BulkConfig                `mapstructure:"bulk"`
	Replay      ReplayConfig              `mapstructure:"replay"`
	Metrics     MetricsConfig             `mapstructure:"metrics"`
	JWTSecret   string                    `mapstructure:"jwt_secret"`
	AdminRole   string                    `mapstructure:"admin_role"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

type StorageConfig struct {
	LocalPath     string `mapstructure:"local_path"`
	AssetsPath    string `mapstructure:"assets_path"`
	MaxFileSize   int64  `mapstructure:"max_file_size"`
	ThumbnailSize int    `mapstructure:"thumbnail_size"`
}

type MediaConfig struct {
	Secret     string `mapstructure:"secret"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	BaseURL    string `mapstructure:"base_url"`
}

type LayersConfig struct {
	PageSize    int `mapstructure:"page_size"`
	MaxPageSize int `mapstructure:"max_page_size"`
}

type BulkConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type ReplayConfig struct {
	CacheSizeMB   int `mapstructure:"cache_size_mb"`
	TTLSeconds    int `mapstructure:"ttl_seconds"`
	RetentionDays int `mapstructure:"retention_days"` // 0 keeps records forever
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

// MediaSecret returns the key used to sign media URLs.
func (c *Config) MediaSecret() string {
	if c.Media.Secret != "" {
		return c.Media.Secret
	}
	return c.JWTSecret
}

// Load reads app.yaml from the working directory (or two levels up) and
// applies environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("../..")
	return load(v)
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	for name, conn := range cfg.Connections {
		if conn.Driver == "" {
			conn.Driver = "postgres"
		}
		if conn.Port == 0 && conn.Driver == "postgres" {
			conn.Port = 5432
		}
		cfg.Connections[name] = conn
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("storage.local_path", "./uploads")
	v.SetDefault("storage.assets_path", "./uploads/assets")
	v.SetDefault("storage.max_file_size", 10485760)
	v.SetDefault("storage.thumbnail_size", 256)
	v.SetDefault("media.ttl_seconds", 3600)
	v.SetDefault("layers.page_size", 50)
	v.SetDefault("layers.max_page_size", 1000)
	v.SetDefault("bulk.timeout_seconds", 60)
	v.SetDefault("replay.cache_size_mb", 16)
	v.SetDefault("replay.ttl_seconds", 86400)
	v.SetDefault("replay.retention_days", 30)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("jwt_secret", "changeme-secret")
	v.SetDefault("admin_role", "admin")
}
