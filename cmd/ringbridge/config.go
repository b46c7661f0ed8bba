package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/srg/ringbridge/pkg/config"
)

// configFlags maps config keys to the command flags that override them.
var configFlags = map[string]string{
	"adapter":       "adapter",
	"data_dir":      "data-dir",
	"listen_addr":   "listen",
	"sync_schedule": "sync-schedule",
}

// loadConfig merges the optional --config file, RINGBRIDGE_* variables and
// any flag of cmd that overrides a config key.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	}
	for key, name := range configFlags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return config.Load(v)
}
