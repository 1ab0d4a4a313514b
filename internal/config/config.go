package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig     `mapstructure:"server"`
	StateStorage StateStorage     `mapstructure:"state_storage"`
	TaskStore    TaskStoreConfig  `mapstructure:"task_store"`
	Sync         SyncConfig       `mapstructure:"sync"`
	Scheduler    SchedulerConfig  `mapstructure:"scheduler"`
	Logging      LoggingConfig    `mapstructure:"logging"`
	Providers    []ProviderConfig `mapstructure:"providers"`
}

type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // sqlite | mysql
	FilePath string `mapstructure:"file_path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type TaskStoreConfig struct {
	Path string `mapstructure:"path"`
}

type SyncConfig struct {
	DefaultDirection        string `mapstructure:"default_direction"`
	DefaultConflictStrategy string `mapstructure:"default_conflict_strategy"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"` // cron expression, e.g. "@every 5m"
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ProviderConfig holds one sync relationship: credentials, translation
// tables, filters and the adapter's rate-limit/retry budget.
type ProviderConfig struct {
	Name             string            `mapstructure:"name"`
	Enabled          bool              `mapstructure:"enabled"`
	Direction        string            `mapstructure:"direction"`
	ConflictStrategy string            `mapstructure:"conflict_strategy"`
	Credentials      map[string]string `mapstructure:"credentials"`
	Settings         map[string]string `mapstructure:"settings"`
	ProjectMappings  map[string]string `mapstructure:"project_mappings"`
	TagMappings      map[string]string `mapstructure:"tag_mappings"`
	SyncCompleted    bool              `mapstructure:"sync_completed"`
	SyncArchived     bool              `mapstructure:"sync_archived"`
	RateLimitRPM     int               `mapstructure:"rate_limit_rpm"`
	MaxRetries       int               `mapstructure:"max_retries"`
	AutoSync         bool              `mapstructure:"auto_sync"`
}

func (p ProviderConfig) Credential(key string) string {
	return p.Credentials[key]
}

func (p ProviderConfig) Setting(key string) string {
	return p.Settings[key]
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TASKSYNC")
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.file_path", "sync_state.db")
	v.SetDefault("task_store.path", "tasks.json")
	v.SetDefault("sync.default_direction", "bidirectional")
	v.SetDefault("sync.default_conflict_strategy", "newest_wins")
	v.SetDefault("scheduler.interval", "@every 5m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.RateLimitRPM <= 0 {
			p.RateLimitRPM = 50
		}
		if p.MaxRetries <= 0 {
			p.MaxRetries = 3
		}
		if p.Direction == "" {
			p.Direction = cfg.Sync.DefaultDirection
		}
		if p.ConflictStrategy == "" {
			p.ConflictStrategy = cfg.Sync.DefaultConflictStrategy
		}
	}

	return &cfg, nil
}
