package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// simConfig holds the scenario-runner settings viper resolves from
// --config, environment variables (MARGINSIM_ prefixed), or the built-in
// defaults below.
type simConfig struct {
	SeedRateBps uint64
	StartSec    int64
	Verbose     bool
	Wallets     map[string]uint64
}

func loadConfig(cfgFile string) (simConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("MARGINSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("seed_rate_bps", 1200)
	v.SetDefault("start_sec", 1_700_000_000)
	v.SetDefault("verbose", false)
	v.SetDefault("wallets", map[string]interface{}{
		"alice": 2_000_000_000,
		"bob":   0,
	})

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return simConfig{}, fmt.Errorf("marginsim: reading config %s: %w", cfgFile, err)
		}
	}

	wallets := make(map[string]uint64)
	for k, val := range v.GetStringMap("wallets") {
		switch n := val.(type) {
		case int:
			wallets[k] = uint64(n)
		case int64:
			wallets[k] = uint64(n)
		case float64:
			wallets[k] = uint64(n)
		default:
			return simConfig{}, fmt.Errorf("marginsim: wallet %s has non-numeric balance %v", k, val)
		}
	}

	return simConfig{
		SeedRateBps: v.GetUint64("seed_rate_bps"),
		StartSec:    v.GetInt64("start_sec"),
		Verbose:     v.GetBool("verbose"),
		Wallets:     wallets,
	}, nil
}
