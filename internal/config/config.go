package config

import (
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Auth        AuthConfig
	Storage     StorageConfig
	SampleStore SampleStoreConfig
	Compute     ComputeConfig
	Retention   RetentionConfig
	Partners    PartnersConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type AuthConfig struct {
	// APIKey gates mutating endpoints. Empty disables the gate entirely;
	// this is an explicit convenience, not a security boundary.
	APIKey string
}

type StorageConfig struct {
	Dir        string
	SQLitePath string
}

type SampleStoreConfig struct {
	Driver    string
	DSN       string
	BatchSize int
}

type ComputeConfig struct {
	Concurrency     int
	UnitBase        int
	IntervalSeconds int
	Timezone        string
}

type RetentionConfig struct {
	Days    int
	SweepAt string // HH:MM, local to Compute.Timezone
}

type PartnersConfig struct {
	// Mapping translates content-partner codes to display names. A missing
	// entry is flagged in the job log and the raw code is used.
	Mapping map[string]string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("auth.api_key", "")
	viper.SetDefault("storage.dir", "storage")
	viper.SetDefault("storage.sqlite_path", "")
	viper.SetDefault("samplestore.driver", "postgres")
	viper.SetDefault("samplestore.dsn", "")
	viper.SetDefault("samplestore.batch_size", 200)
	viper.SetDefault("compute.concurrency", 3)
	viper.SetDefault("compute.unit_base", 1024)
	viper.SetDefault("compute.interval_seconds", 300)
	viper.SetDefault("compute.timezone", "Asia/Shanghai")
	viper.SetDefault("retention.days", 30)
	viper.SetDefault("retention.sweep_at", "03:30")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
			Env:  viper.GetString("server.env"),
		},
		Auth: AuthConfig{
			APIKey: viper.GetString("auth.api_key"),
		},
		Storage: StorageConfig{
			Dir:        viper.GetString("storage.dir"),
			SQLitePath: viper.GetString("storage.sqlite_path"),
		},
		SampleStore: SampleStoreConfig{
			Driver:    viper.GetString("samplestore.driver"),
			DSN:       viper.GetString("samplestore.dsn"),
			BatchSize: viper.GetInt("samplestore.batch_size"),
		},
		Compute: ComputeConfig{
			Concurrency:     viper.GetInt("compute.concurrency"),
			UnitBase:        viper.GetInt("compute.unit_base"),
			IntervalSeconds: viper.GetInt("compute.interval_seconds"),
			Timezone:        viper.GetString("compute.timezone"),
		},
		Retention: RetentionConfig{
			Days:    viper.GetInt("retention.days"),
			SweepAt: viper.GetString("retention.sweep_at"),
		},
		Partners: PartnersConfig{
			Mapping: viper.GetStringMapString("partners.mapping"),
		},
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.Dir, "app.db")
	}

	return cfg, nil
}
