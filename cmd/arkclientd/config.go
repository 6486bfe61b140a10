package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arkade-os/go-ark-client/types"
	"github.com/spf13/viper"
)

const (
	configFile = "config.json"

	ServerUrl                = "SERVER_URL"
	ExplorerUrl              = "EXPLORER_URL"
	StoreType                = "STORE_TYPE"
	LogLevel                 = "LOG_LEVEL"
	ExpiryThreshold          = "EXPIRY_THRESHOLD"
	IntentGenerationInterval = "INTENT_GENERATION_INTERVAL"
	WithExplorerTracker      = "WITH_EXPLORER_TRACKER"

	defaultStoreType                = types.KVStore
	defaultLogLevel                 = 4
	defaultExpiryThreshold          = "24h"
	defaultIntentGenerationInterval = "5m"
	defaultWithExplorerTracker      = true
)

type Config struct {
	Datadir                  string
	ServerUrl                string
	ExplorerUrl              string
	StoreType                string
	LogLevel                 uint32
	ExpiryThreshold          string
	IntentGenerationInterval string
	WithExplorerTracker      bool
}

func newViper(datadir string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ARK_CLIENT")
	v.AutomaticEnv()

	v.SetDefault(StoreType, defaultStoreType)
	v.SetDefault(LogLevel, defaultLogLevel)
	v.SetDefault(ExpiryThreshold, defaultExpiryThreshold)
	v.SetDefault(IntentGenerationInterval, defaultIntentGenerationInterval)
	v.SetDefault(WithExplorerTracker, defaultWithExplorerTracker)

	v.SetConfigFile(filepath.Join(datadir, configFile))
	return v
}

// loadConfig reads the config file of the datadir, env vars prefixed with
// ARK_CLIENT_ take precedence.
func loadConfig(datadir string) (*Config, error) {
	v := newViper(datadir)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("client not initialized, run 'init' cmd to initialize")
		}
		return nil, fmt.Errorf("failed to read config: %s", err)
	}

	cfg := &Config{
		Datadir:                  datadir,
		ServerUrl:                v.GetString(ServerUrl),
		ExplorerUrl:              v.GetString(ExplorerUrl),
		StoreType:                v.GetString(StoreType),
		LogLevel:                 v.GetUint32(LogLevel),
		ExpiryThreshold:          v.GetString(ExpiryThreshold),
		IntentGenerationInterval: v.GetString(IntentGenerationInterval),
		WithExplorerTracker:      v.GetBool(WithExplorerTracker),
	}
	if cfg.ServerUrl == "" {
		return nil, fmt.Errorf("missing server url")
	}
	switch cfg.StoreType {
	case types.KVStore, types.SQLStore:
	default:
		return nil, fmt.Errorf("unsupported store type %s", cfg.StoreType)
	}
	return cfg, nil
}

func saveConfig(cfg Config) error {
	if err := os.MkdirAll(cfg.Datadir, os.ModeDir|0755); err != nil {
		return fmt.Errorf("failed to create datadir: %s", err)
	}

	v := newViper(cfg.Datadir)
	v.Set(ServerUrl, cfg.ServerUrl)
	v.Set(ExplorerUrl, cfg.ExplorerUrl)
	v.Set(StoreType, cfg.StoreType)
	return v.WriteConfig()
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"datadir":                    c.Datadir,
		"server_url":                 c.ServerUrl,
		"explorer_url":               c.ExplorerUrl,
		"store_type":                 c.StoreType,
		"log_level":                  c.LogLevel,
		"expiry_threshold":           c.ExpiryThreshold,
		"intent_generation_interval": c.IntentGenerationInterval,
		"with_explorer_tracker":      c.WithExplorerTracker,
	}
}
