// Package config provides configuration loading and validation for the
// orchestrator and the standalone extractor/transformer/loader CLIs.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidHTTPAddr     = errors.New("invalid orchestrator http address")
	ErrInvalidWorkerBounds = errors.New("parse worker min must be positive and not exceed max")
	ErrInvalidMemoryCap    = errors.New("memory soft cap must be positive")
	ErrInvalidMaxFileBytes = errors.New("parse max file bytes must be positive")
	ErrInvalidBatchSize    = errors.New("batch size must be positive")
)

// Default configuration values.
const (
	defaultHTTPAddr       = ":8080"
	defaultCacheDir       = "/tmp/pycodegraph-cache"
	defaultBackupDir      = "/tmp/pycodegraph-backups"
	defaultArtifactDir    = "/tmp/pycodegraph-artifacts"
	defaultMaxFileBytes   = "512KiB"
	defaultWorkerMin      = 2
	defaultMemorySoftCap  = 2048
	defaultBatchSize      = 1000
	defaultBatchFloor     = 100
	defaultBatchStep      = 100
	defaultResizeWindow   = 16
	defaultCachePrune     = "512MiB"
	defaultGraphStoreURI  = "bolt://localhost:7687"
	defaultGraphStoreUser = "neo4j"
	defaultGraphStoreDB   = "neo4j"
)

// Config holds all configuration for the pipeline. Field names mirror the
// supported environment variables (ORCH_HTTP_ADDR, GRAPH_STORE_*,
// CACHE_DIR, BACKUP_DIR, ARTIFACT_DIR, PARSE_*, MEMORY_SOFT_CAP_MB), mapped
// onto mapstructure keys via viper's key replacer on "_".
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	GraphStore   GraphStoreConfig   `mapstructure:"graph_store"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Backup       BackupConfig       `mapstructure:"backup"`
	Artifact     ArtifactConfig     `mapstructure:"artifact"`
	Parse        ParseConfig        `mapstructure:"parse"`
	Load         LoadConfig         `mapstructure:"load"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// OrchestratorConfig holds orchestrator-specific configuration.
type OrchestratorConfig struct {
	HTTPAddr     string        `mapstructure:"http_addr"`
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`
}

// GraphStoreConfig holds the graph-store connection configuration. The
// store itself is an external collaborator; this is only the dial
// information handed to a pkg/graphstore.Client implementation.
type GraphStoreConfig struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	DataDir  string `mapstructure:"data_dir"`
}

// CacheConfig holds C1 cache configuration.
type CacheConfig struct {
	Directory string        `mapstructure:"directory"`
	MaxSize   string        `mapstructure:"max_size"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

// BackupConfig holds C5 backup configuration.
type BackupConfig struct {
	Directory   string        `mapstructure:"directory"`
	MaxAge      time.Duration `mapstructure:"max_age"`
	KeepMinimum int           `mapstructure:"keep_minimum"`
}

// ArtifactConfig holds per-job artifact directory configuration.
type ArtifactConfig struct {
	Directory string `mapstructure:"directory"`
}

// ParseConfig holds C2 extractor configuration.
type ParseConfig struct {
	MaxFileBytes    string `mapstructure:"max_file_bytes"`
	WorkerMin       int    `mapstructure:"worker_min"`
	WorkerMax       int    `mapstructure:"worker_max"`
	MemorySoftCapMB int    `mapstructure:"memory_soft_cap_mb"`
	ResizeWindow    int    `mapstructure:"resize_window"`
}

// LoadConfig holds C6 loader configuration.
type LoadConfig struct {
	BatchSize  int `mapstructure:"batch_size"`
	BatchFloor int `mapstructure:"batch_floor"`
	BatchStep  int `mapstructure:"batch_step"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MaxFileBytesValue parses the human-readable MaxFileBytes string
// ("512KiB", "1MB").
func (p ParseConfig) MaxFileBytesValue() (uint64, error) {
	return humanize.ParseBytes(p.MaxFileBytes)
}

// MaxSizeValue parses the human-readable cache size cap.
func (c CacheConfig) MaxSizeValue() (uint64, error) {
	return humanize.ParseBytes(c.MaxSize)
}

// Load loads configuration from file and environment variables (env prefix
// ORCH_), following pkg/config/config.go's LoadConfig/setDefaults/
// validateConfig shape.
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/pycodegraph")
	}

	viperCfg.SetEnvPrefix("ORCH")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	// GRAPH_STORE_URI and friends don't follow the nesting the ORCH_
	// prefix implies; bind them explicitly so the bare variable names
	// work without a config file.
	if bindErr := bindLegacyEnvNames(viperCfg, &cfg); bindErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", bindErr)
	}

	if validateErr := validateConfig(&cfg); validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

func bindLegacyEnvNames(v *viper.Viper, cfg *Config) error {
	type strBinding struct {
		env string
		dst *string
	}

	strBindings := []strBinding{
		{"GRAPH_STORE_URI", &cfg.GraphStore.URI},
		{"GRAPH_STORE_USER", &cfg.GraphStore.User},
		{"GRAPH_STORE_PASSWORD", &cfg.GraphStore.Password},
		{"GRAPH_STORE_DATABASE", &cfg.GraphStore.Database},
		{"CACHE_DIR", &cfg.Cache.Directory},
		{"BACKUP_DIR", &cfg.Backup.Directory},
		{"ARTIFACT_DIR", &cfg.Artifact.Directory},
		{"ORCH_HTTP_ADDR", &cfg.Orchestrator.HTTPAddr},
		{"PARSE_MAX_FILE_BYTES", &cfg.Parse.MaxFileBytes},
	}

	for _, b := range strBindings {
		if raw, ok := lookupRawEnv(v, b.env); ok && raw != "" {
			*b.dst = raw
		}
	}

	type intBinding struct {
		env string
		dst *int
	}

	intBindings := []intBinding{
		{"PARSE_WORKER_MIN", &cfg.Parse.WorkerMin},
		{"PARSE_WORKER_MAX", &cfg.Parse.WorkerMax},
		{"MEMORY_SOFT_CAP_MB", &cfg.Parse.MemorySoftCapMB},
	}

	for _, b := range intBindings {
		raw, ok := lookupRawEnv(v, b.env)
		if !ok || raw == "" {
			continue
		}

		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			return fmt.Errorf("%s: %w", b.env, parseErr)
		}

		*b.dst = parsed
	}

	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Orchestrator.HTTPAddr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidHTTPAddr)
	}

	if cfg.Parse.WorkerMin <= 0 || cfg.Parse.WorkerMin > cfg.Parse.WorkerMax {
		return fmt.Errorf("%w: min=%d max=%d", ErrInvalidWorkerBounds, cfg.Parse.WorkerMin, cfg.Parse.WorkerMax)
	}

	if cfg.Parse.MemorySoftCapMB <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMemoryCap, cfg.Parse.MemorySoftCapMB)
	}

	if _, err := cfg.Parse.MaxFileBytesValue(); err != nil {
		return fmt.Errorf("%w: %s (%v)", ErrInvalidMaxFileBytes, cfg.Parse.MaxFileBytes, err)
	}

	if cfg.Load.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, cfg.Load.BatchSize)
	}

	return nil
}
