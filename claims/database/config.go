package database

import (
	"errors"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/conf"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/log"
)

type Config struct {
	MaxOpenConns       int `conf:"CLAIMS_DB_MAX_OPEN_CONNS" conf_default:"40"`
	MaxIdleConns       int `conf:"CLAIMS_DB_MAX_IDLE_CONNS" conf_default:"20"`
	ConnMaxLifetimeMin int `conf:"CLAIMS_DB_CONN_MAX_LIFETIME_MIN" conf_default:"5"`
	ConnMaxIdleTime    int `conf:"CLAIMS_DB_CONN_MAX_IDLE_TIME" conf_default:"30"`

	DatabaseURL string `conf:"DATABASE_URL"`
}

func LoadConfig() (cfg *Config, err error) {
	cfg = &Config{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("invalid config, DatabaseURL must be set")
	}

	log.Worker.Info("Successfully loaded configuration for Database.")

	return cfg, nil
}
