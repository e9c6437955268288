package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatus/config"
	"chatus/internal/app"
	"chatus/internal/logging"
	"chatus/internal/version"
)

type serveFlags struct {
	port   string
	origin string
}

func newRootCmd() *cobra.Command {
	flags := &serveFlags{}

	root := &cobra.Command{
		Use:           "chatus-edge",
		Short:         "Offline cache controller for ChatUs clients.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       version.Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
	addServeFlags(root, flags)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the edge server (default).",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
	addServeFlags(serveCmd, flags)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information.",
		Args:  cobra.ExactArgs(0),
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetHelpCommand(&cobra.Command{Hidden: true})
	root.SetVersionTemplate("chatus-edge {{.Version}}\n")

	return root
}

func addServeFlags(cmd *cobra.Command, flags *serveFlags) {
	fs := cmd.Flags()
	fs.StringVarP(&flags.port, "port", "p", "", "port to listen on (env: PORT)")
	fs.StringVar(&flags.origin, "origin", "", "ChatUs origin URL (env: ORIGIN_URL)")
}

func serve(ctx context.Context, flags *serveFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if flags.port != "" {
		cfg.Server.Port = flags.port
	}
	if flags.origin != "" {
		cfg.Origin.URL = flags.origin
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	handler, err := logging.NewHandler(os.Stdout, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))

	// Log the version immediately on startup
	slog.Info("starting chatus-edge",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	application, err := app.New(ctx, app.Config{AppConfig: cfg})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	// Handle graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		slog.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	return application.Start(":" + cfg.Server.Port)
}
