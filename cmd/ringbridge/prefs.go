package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srg/ringbridge/internal/env"
	"github.com/srg/ringbridge/pkg/ring"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show the preference store",
	Long: `Print the bridge preference store, creating it with defaults if missing.

Keys:
  device.display_name      name shown for a connected ring
  device.last_address      address of the last ring a session connected to
  heartrate.max_plausible  realtime heart rate samples above this are dropped`,
	Args: cobra.NoArgs,
	RunE: runPrefs,
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one preference",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrefsSet,
}

var prefsFormat string

func init() {
	prefsCmd.Flags().StringVarP(&prefsFormat, "format", "f", "toml", "Output format (toml, yaml, json)")
	prefsCmd.AddCommand(prefsSetCmd)
}

func openPrefs(cmd *cobra.Command) (*env.Preferences, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return env.OpenPreferences(cfg.PreferencesPath(), ring.DefaultDisplayName)
}

func runPrefs(cmd *cobra.Command, _ []string) error {
	switch prefsFormat {
	case "toml", "yaml", "json":
	default:
		return fmt.Errorf("%w '%s': must be one of [toml yaml json]", ErrInvalidFormat, prefsFormat)
	}

	prefs, err := openPrefs(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	switch prefsFormat {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(prefs.All()); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(prefs.All())
	default:
		data, err := os.ReadFile(prefs.Path())
		if err != nil {
			return fmt.Errorf("read preferences file: %w", err)
		}
		fmt.Fprintf(out, "# %s\n%s", prefs.Path(), data)
		return nil
	}
}

func runPrefsSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	if key == env.KeyVersion {
		return fmt.Errorf("%s is managed by ringbridge", env.KeyVersion)
	}

	prefs, err := openPrefs(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	var value any = raw
	if n, err := strconv.Atoi(raw); err == nil {
		value = n
	}
	if err := prefs.Set(key, value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", key, value)
	return nil
}
