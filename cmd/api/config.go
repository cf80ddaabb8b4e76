package main

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, populated from the environment.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	Port        int    `env:"PORT" envDefault:"8080"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	PayPalClientID  string `env:"PAYPAL_CLIENT_ID"`
	PayPalSecret    string `env:"PAYPAL_SECRET"`
	PayPalWebhookID string `env:"PAYPAL_WEBHOOK_ID"`
	PayPalBaseURL   string `env:"PAYPAL_BASE_URL"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// LoadConfig parses configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
