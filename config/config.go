// Package config resolves the engine configuration: built-in defaults,
// overridden by YAML config files, overridden by environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/store/inmem"
	"github.com/Epistimio/kleio/store/mongo"
	"github.com/Epistimio/kleio/trial"
)

// Environment variables overriding the file and default configuration.
const (
	EnvDBName    = "KLEIO_DB_NAME"
	EnvDBType    = "KLEIO_DB_TYPE"
	EnvDBAddress = "KLEIO_DB_ADDRESS"
	EnvDebugMode = "KLEIO_DEBUG_MODE"
	EnvVerbosity = "KLEIO_VERBOSITY"
	EnvTrialID   = "KLEIO_TRIAL_ID"
)

// Database identifies the backing store.
type Database struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Address string `yaml:"address"`
}

// Config is the resolved engine configuration.
type Config struct {
	Database    Database `yaml:"database"`
	Debug       bool     `yaml:"debug"`
	HostEnvVars []string `yaml:"host_env_vars"`
	WorkingDir  string   `yaml:"working_dir"`
}

func defaults() Config {
	return Config{
		Database: Database{
			Name:    "kleio",
			Type:    "mongodb",
			Address: "localhost:27017",
		},
		WorkingDir: os.TempDir(),
	}
}

// Load resolves the configuration from defaults, then the given YAML files
// in order (later files win), then environment variables. Missing files are
// skipped.
func Load(paths ...string) (Config, error) {
	cfg := defaults()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDBName); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv(EnvDBType); v != "" {
		cfg.Database.Type = v
	}
	if v := os.Getenv(EnvDBAddress); v != "" {
		cfg.Database.Address = v
	}
	if v := os.Getenv(EnvDebugMode); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = debug
		}
	}
}

// OpenStore connects to the configured backend and ensures the collection
// indexes. Debug mode forces the in-memory backend.
func OpenStore(ctx context.Context, cfg Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch {
	case cfg.Debug, strings.EqualFold(cfg.Database.Type, "inmem"):
		s = inmem.New(cfg.Database.Name)
	case strings.EqualFold(cfg.Database.Type, "mongodb"):
		s, err = mongo.Open(ctx, cfg.Database.Address, cfg.Database.Name)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Database.Type)
	}
	if err := trial.EnsureIndexes(ctx, s); err != nil {
		closeErr := s.Close(ctx)
		return nil, errors.Join(fmt.Errorf("ensure indexes: %w", err), closeErr)
	}
	return s, nil
}
