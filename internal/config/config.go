// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса бода-страхования.
type Config struct {
	RunAddress     string  `env:"RUN_ADDRESS"`
	DatabaseURI    string  `env:"DATABASE_URI"`
	GatewayAddress string  `env:"GATEWAY_ADDRESS"`
	AuthSecret     string  `env:"AUTH_SECRET"`
	OperatorToken  string  `env:"OPERATOR_TOKEN"`
	KshPerHbar     float64 `env:"KSH_PER_HBAR"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress
	envAuthSecret := cfg.AuthSecret
	envOperatorToken := cfg.OperatorToken
	envKshPerHbar := cfg.KshPerHbar

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "mobile money gateway address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")
	flag.StringVar(&cfg.OperatorToken, "t", "", "token for the claim adjudication endpoint")
	flag.Float64Var(&cfg.KshPerHbar, "r", 12.9, "KSh per HBAR display rate")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envOperatorToken != "" {
		cfg.OperatorToken = envOperatorToken
	}
	if envKshPerHbar != 0 {
		cfg.KshPerHbar = envKshPerHbar
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.KshPerHbar <= 0 {
		cfg.KshPerHbar = 12.9
	}

	return cfg, nil
}
