// Package config содержит логику чтения конфигурации SMM-панели.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации SMM-панели.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	ProviderAPIURL string `env:"PROVIDER_API_URL"`
	ProviderAPIKey string `env:"PROVIDER_API_KEY"`
	AdminToken     string `env:"ADMIN_TOKEN"`
	SyncInterval   int    `env:"SYNC_INTERVAL"`
	SyncBatchSize  int    `env:"SYNC_BATCH_SIZE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envProviderURL := cfg.ProviderAPIURL
	envProviderKey := cfg.ProviderAPIKey
	envAdminToken := cfg.AdminToken
	envSyncInterval := cfg.SyncInterval
	envSyncBatchSize := cfg.SyncBatchSize

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProviderAPIURL, "p", "", "SMM provider API URL")
	flag.StringVar(&cfg.ProviderAPIKey, "k", "", "SMM provider API key")
	flag.StringVar(&cfg.AdminToken, "t", "", "admin API bearer token")
	flag.IntVar(&cfg.SyncInterval, "i", 300, "order sync interval in seconds")
	flag.IntVar(&cfg.SyncBatchSize, "b", 50, "order sync batch size")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProviderURL != "" {
		cfg.ProviderAPIURL = envProviderURL
	}
	if envProviderKey != "" {
		cfg.ProviderAPIKey = envProviderKey
	}
	if envAdminToken != "" {
		cfg.AdminToken = envAdminToken
	}
	if envSyncInterval != 0 {
		cfg.SyncInterval = envSyncInterval
	}
	if envSyncBatchSize != 0 {
		cfg.SyncBatchSize = envSyncBatchSize
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 300
	}
	if cfg.SyncBatchSize <= 0 {
		cfg.SyncBatchSize = 50
	}

	return cfg, nil
}
