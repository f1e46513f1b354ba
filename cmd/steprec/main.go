// Command steprec records clicks in Chrome as annotated screenshots.
//
// Usage:
//
//	steprec record --config steprec.yaml        # record configured pages, serve the API
//	steprec record --url https://example.com    # quick single-page recording
//	steprec record --mcp                        # also serve MCP tools on stdio
//	steprec list | state | clear | export       # inspect the store
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/steprec/recorder"
)

var version = "dev" // set via ldflags at build time

var (
	configPath string
	dbPath     string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "steprec",
	Short:         "Record browser clicks as annotated screenshots",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to steprec.yaml")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite store path (overrides store.path)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(recordCmd, stateCmd, listCmd, clearCmd, exportCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "steprec:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: recorder.ParseLevel(logLevel)}))
}

func loadConfig() (*recorder.Config, error) {
	cfg := recorder.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = recorder.LoadConfigFile(configPath); err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	return cfg, nil
}

// openRecorder builds a recorder on the configured store without starting
// the browser.
func openRecorder() (*recorder.Recorder, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return recorder.New(cfg, recorder.WithLogger(newLogger()))
}
