package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/ringbridge/internal/bridge"
	"github.com/srg/ringbridge/internal/bus"
	"github.com/srg/ringbridge/internal/env"
	"github.com/srg/ringbridge/internal/support/gatt"
	"github.com/srg/ringbridge/pkg/ring"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the last day of stored history",
	Long: `Run one history reconciliation against the local database and print it.

The ring is resolved from the last connected address in the preferences,
falling back to the first stored device. No BLE connection is made.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyFormat  string
	historyVerbose bool
)

func init() {
	historyCmd.Flags().StringVarP(&historyFormat, "format", "f", "auto", "Output format (auto, json, summary)")
	historyCmd.Flags().BoolVar(&historyVerbose, "verbose", false, "Enable debug logging")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	format, err := resolveHistoryFormat(historyFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// History is a one-shot command: stay quiet unless asked
	logger, err := configureLogger(cmd, "verbose", logrus.PanicLevel)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true
	ctx := cmd.Context()

	eventBus := bus.New(cfg.EventBuffer, logger)
	defer eventBus.Close()
	boot := env.NewBootstrapper(cfg, eventBus, logger)
	defer func() { _ = boot.Close() }()

	br := bridge.New(cfg, boot, gatt.New(gatt.Options{}, logger), adapterManager(cfg), logger)
	if err := br.Start(ctx); err != nil {
		return err
	}
	defer br.Stop()

	result, err := br.Reconcile(ctx)
	if err != nil {
		return err
	}

	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	printHistorySummary(cmd.OutOrStdout(), result)
	return nil
}

// resolveHistoryFormat validates format; "auto" picks summary for a terminal and json otherwise.
func resolveHistoryFormat(format string, out io.Writer) (string, error) {
	switch format {
	case "json", "summary":
		return format, nil
	case "auto":
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return "summary", nil
		}
		return "json", nil
	default:
		return "", fmt.Errorf("%w '%s': must be one of [auto json summary]", ErrInvalidFormat, format)
	}
}

func printHistorySummary(w io.Writer, result ring.SyncResult) {
	header := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)

	header.Fprintf(w, "Heart rate (%d samples)\n", len(result.History.HeartRate))
	if len(result.History.HeartRate) == 0 {
		dim.Fprintln(w, "  no samples")
	}
	minRate, maxRate := 0, 0
	for i, rec := range result.History.HeartRate {
		hr, ok := rec.Payload.(ring.HeartRateFields)
		if !ok {
			continue
		}
		if i == 0 || hr.HeartRate < minRate {
			minRate = hr.HeartRate
		}
		if hr.HeartRate > maxRate {
			maxRate = hr.HeartRate
		}
	}
	if n := len(result.History.HeartRate); n > 0 {
		last := result.History.HeartRate[n-1]
		fmt.Fprintf(w, "  range %d-%d bpm, latest %s at %s\n",
			minRate, maxRate, rateColor(last.Payload), formatMillis(last.TimestampMillis))
	}

	header.Fprintf(w, "Activity (%d samples)\n", len(result.History.Activity))
	if len(result.History.Activity) == 0 {
		dim.Fprintln(w, "  no samples")
		return
	}
	steps, calories, distance := 0, 0, 0
	for _, rec := range result.History.Activity {
		if a, ok := rec.Payload.(ring.ActivityFields); ok {
			steps += a.Steps
			calories += a.Calories
			distance += a.Distance
		}
	}
	fmt.Fprintf(w, "  %d steps, %d kcal, %d m\n", steps, calories, distance)
}

func rateColor(payload ring.HistoryPayload) string {
	hr, ok := payload.(ring.HeartRateFields)
	if !ok {
		return "?"
	}
	text := fmt.Sprintf("%d bpm", hr.HeartRate)
	switch {
	case hr.HeartRate >= 120:
		return color.RedString(text)
	case hr.HeartRate >= 100:
		return color.YellowString(text)
	default:
		return color.GreenString(text)
	}
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}
