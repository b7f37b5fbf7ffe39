// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
)

// Config holds all runtime configuration. Storage selection is implied by
// which URLs are set: DATABASE_URL enables Postgres, REDIS_URL layers a
// read-through cache on top, neither falls back to the in-memory store.
type Config struct {
	Port        string        `env:"PORT" envDefault:"8080"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CORSOrigin  string        `env:"CORS_ORIGIN" envDefault:"*"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"5s"`

	InitialBalance decimal.Decimal `env:"INITIAL_BALANCE" envDefault:"2000000"`
	BrokerageRate  decimal.Decimal `env:"BROKERAGE_RATE" envDefault:"0.01"`
	TotalRounds    int             `env:"TOTAL_ROUNDS" envDefault:"10"`
	ClosingRound   int             `env:"CLOSING_ROUND" envDefault:"10"`
	SellFromRound  int             `env:"SELL_FROM_ROUND" envDefault:"4"`
	MaxInstruments int             `env:"MAX_INSTRUMENTS" envDefault:"20"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(decimal.Decimal{}): parseDecimal,
		},
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func parseDecimal(v string) (any, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", v, err)
	}
	return d, nil
}
