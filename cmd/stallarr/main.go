// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/stallarr/internal/api"
	"github.com/autobrr/stallarr/internal/api/handlers"
	"github.com/autobrr/stallarr/internal/arr"
	"github.com/autobrr/stallarr/internal/buildinfo"
	"github.com/autobrr/stallarr/internal/config"
	"github.com/autobrr/stallarr/internal/database"
	"github.com/autobrr/stallarr/internal/metrics"
	"github.com/autobrr/stallarr/internal/models"
	"github.com/autobrr/stallarr/internal/services/stalled"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var configDir string

	var rootCmd = &cobra.Command{
		Use:   "stallarr",
		Short: "Remove and re-search stalled Radarr and Sonarr downloads",
		Long: `stallarr - watches the download queues of Radarr and Sonarr instances,
blocklists downloads that stay stalled past a timeout and asks the
backend to search for a replacement.`,
	}

	rootCmd.Version = buildinfo.Version
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "",
		"config directory or config.toml path (default searches . and the OS-specific config dir)")

	rootCmd.AddCommand(RunServeCommand(&configDir))
	rootCmd.AddCommand(RunOnceCommand(&configDir))
	rootCmd.AddCommand(RunTrackedCommand(&configDir))
	rootCmd.AddCommand(RunGenerateConfigCommand(&configDir))
	rootCmd.AddCommand(RunVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand(configDir *string) *cobra.Command {
	var (
		dataDir string
		logPath string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the stalled download monitor",
	}

	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the tracking database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(*configDir, dataDir, logPath)
		app.runServer()
	}

	return command
}

func RunOnceCommand(configDir *string) *cobra.Command {
	var asJSON bool

	command := &cobra.Command{
		Use:   "once",
		Short: "Run a single sweep across all backends and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := NewApplication(*configDir, "", "")
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}

			mon, err := app.buildMonitor(cfg, nil)
			if err != nil {
				return err
			}
			defer mon.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mon.service.Probe(ctx)
			summary := mon.service.RunOnce(ctx)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}

			cmd.Println(renderSummary(summary))
			return nil
		},
	}

	command.Flags().BoolVar(&asJSON, "json", false, "print the sweep summary as JSON")

	return command
}

func RunVersionCommand() *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of stallarr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.Info())
		},
	}

	return command
}

func RunGenerateConfigCommand(configDir *string) *cobra.Command {
	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the monitor.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/stallarr/config.toml
- Windows: %APPDATA%\stallarr\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := *configDir
			if dir == "" {
				dir = config.GetDefaultConfigDir()
			}
			configPath := config.ResolveConfigPath(dir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func (app *Application) loadConfig() (*config.AppConfig, error) {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()
	return cfg, nil
}

// monitor bundles the stalled service with the resources it owns.
type monitor struct {
	service *stalled.Service
	db      *database.DB
	store   *models.TrackedDownloadStore
}

func (m *monitor) Close() {
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}
}

// trackedLister returns nil when tracking is disabled so the API reports an empty list.
func (m *monitor) trackedLister() handlers.TrackedLister {
	if m.store == nil {
		return nil
	}
	return m.store
}

func (app *Application) buildMonitor(cfg *config.AppConfig, recorder stalled.Recorder) (*monitor, error) {
	snapshot := cfg.Snapshot()

	targets, err := snapshot.Targets()
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		log.Warn().Msg("No Radarr or Sonarr instances configured, sweeps will do nothing")
	}

	filter, err := stalled.NewFilter(snapshot.IgnoreExpression)
	if err != nil {
		return nil, err
	}

	clients := make([]stalled.BackendClient, 0, len(targets))
	for _, target := range targets {
		clients = append(clients, arr.NewClient(target, snapshot.HTTPTimeout()))
	}

	m := &monitor{}

	// A nil interface, not a typed nil pointer, keeps tracking disabled.
	var store stalled.Store
	if snapshot.Timeout() > 0 {
		db, err := database.New(cfg.GetDatabasePath())
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize database")
		}
		m.db = db
		m.store = models.NewTrackedDownloadStore(db)
		store = m.store
	} else {
		log.Info().Msg("Stalled timeout is 0, remediating stalled downloads immediately")
	}

	m.service = stalled.NewService(stalled.ConfigFromDomain(snapshot), clients, store, filter, recorder)
	return m, nil
}

func (app *Application) runServer() {
	cfg, err := app.loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	log.Info().Str("version", buildinfo.Version).Msg("Starting stallarr")

	snapshot := cfg.Snapshot()

	var (
		collector     *metrics.Collector
		recorder      stalled.Recorder
		metricsServer *metrics.Server
	)
	if snapshot.MetricsEnabled {
		collector = metrics.NewCollector()
		recorder = collector
		metricsServer, err = metrics.NewServer(collector, snapshot.MetricsHost, snapshot.MetricsPort, snapshot.MetricsBasicAuthUsers)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize metrics server")
		}
	}

	mon, err := app.buildMonitor(cfg, recorder)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize stalled monitor")
	}
	defer mon.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	mon.service.Probe(ctx)

	var httpServer *api.Server
	if snapshot.APIEnabled {
		httpServer = api.NewServer(&api.Dependencies{
			Config:  snapshot,
			Monitor: mon.service,
			Tracked: mon.trackedLister(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mon.service.Run(gctx)
	})

	if httpServer != nil {
		g.Go(func() error {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "api server")
			}
			return nil
		})
	}

	if metricsServer != nil {
		g.Go(func() error {
			return errors.Wrap(metricsServer.ListenAndServe(), "metrics server")
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("got error during graceful http shutdown")
			}
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("got error during metrics server shutdown")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("got unexpected error from server")
		mon.Close()
		os.Exit(1)
	}
}
