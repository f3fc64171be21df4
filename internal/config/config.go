package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type CompilerConfig struct {
	Path string `mapstructure:"path"`
}

type SandboxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Image   string `mapstructure:"image"`
	Memory  string `mapstructure:"memory"`
	CPUs    string `mapstructure:"cpus"`
	Pids    int    `mapstructure:"pids"`
}

type LimitsConfig struct {
	CompileTimeout time.Duration `mapstructure:"compile_timeout"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	MaxOutputBytes int64         `mapstructure:"max_output_bytes"`
}

type PacingConfig struct {
	MinInterval   time.Duration `mapstructure:"min_interval"`
	BaudCeiling   int           `mapstructure:"baud_ceiling"`
	CoalesceBytes int           `mapstructure:"coalesce_bytes"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type BoardConfig struct {
	ProfilePath string `mapstructure:"profile_path"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Compiler CompilerConfig `mapstructure:"compiler"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Pacing   PacingConfig   `mapstructure:"pacing"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Board    BoardConfig    `mapstructure:"board"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("breadboard")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.breadboard")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("compiler.path", "g++")
	v.SetDefault("sandbox.enabled", true)
	v.SetDefault("sandbox.image", "breadboard-sandbox:latest")
	v.SetDefault("sandbox.memory", "128m")
	v.SetDefault("sandbox.cpus", "0.5")
	v.SetDefault("sandbox.pids", 32)
	v.SetDefault("limits.compile_timeout", 10*time.Second)
	v.SetDefault("limits.run_timeout", 180*time.Second)
	v.SetDefault("limits.max_output_bytes", int64(1<<20))
	v.SetDefault("pacing.min_interval", 16*time.Millisecond)
	v.SetDefault("pacing.baud_ceiling", 57600)
	v.SetDefault("pacing.coalesce_bytes", 64)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".breadboard", "sketches.db"))
	v.SetDefault("board.profile_path", "")
}

// Default returns the built-in configuration without reading any config
// file. Used by tests and the one-shot compile command.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}
