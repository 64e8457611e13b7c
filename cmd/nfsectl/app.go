package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"3tcapital/ms_nfse_emissor/internal/bootstrap"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/config"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/logger"
)

// withApp wires the service from the environment for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = "warn"
	}
	log := logger.NewWithWriter(os.Stderr, "nfsectl", level, cfg.App.Environment)

	ctx := cmd.Context()
	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func addLogLevel(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
}
