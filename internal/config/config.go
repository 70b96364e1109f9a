package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds simulator settings loaded from flags, env, or config file.
type Config struct {
	Scenario      string
	Out           string
	PgDSN         string
	TickSpacing   int32
	InitialTick   int32
	DustTolerance *big.Int
	LogLevel      string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANGEVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("out", "./data/events.jsonl")
	v.SetDefault("tick-spacing", 60)
	v.SetDefault("initial-tick", 0)
	v.SetDefault("dust-tolerance", "100")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	dust, err := parseAmount(v.GetString("dust-tolerance"))
	if err != nil {
		return Config{}, fmt.Errorf("dust-tolerance: %w", err)
	}

	cfg := Config{
		Scenario:      v.GetString("scenario"),
		Out:           v.GetString("out"),
		PgDSN:         v.GetString("pg-dsn"),
		TickSpacing:   v.GetInt32("tick-spacing"),
		InitialTick:   v.GetInt32("initial-tick"),
		DustTolerance: dust,
		LogLevel:      v.GetString("log-level"),
	}

	if cfg.TickSpacing <= 0 {
		return Config{}, fmt.Errorf("tick-spacing must be positive")
	}

	return cfg, nil
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("must not be negative: %q", raw)
	}
	return amount, nil
}
