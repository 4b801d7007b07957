// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main runs the guildest chat core: the activity tracker and the
// write-offload queue behind an HTTP API.
//
// Startup order:
//  1. Load configuration (defaults, YAML, .env, GUILDEST_* env, flags).
//  2. Build the persister, the write queue and the tracker.
//  3. Start the optional janitor, telemetry and the HTTP server.
//
// On SIGINT/SIGTERM the HTTP server stops first, then the queue drains within
// queue.shutdown_timeout, then the final metrics are logged.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guildest/internal/guildest/api"
	"guildest/internal/guildest/config"
	"guildest/internal/guildest/core"
	"guildest/internal/guildest/persistence"
	"guildest/internal/guildest/telemetry"
	"guildest/internal/logger"
	"guildest/pkg/activity"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "guildest-core",
		Short:         "Spam detection, chat engagement and write offloading for a chat bot",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadOptions{
				File:   cfgFile,
				DotEnv: []string{".env"},
				Flags:  cmd.Flags(),
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	// Flag names match config keys so config.Load binds them directly.
	f := cmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	f.String("log.level", "info", "trace|debug|info|warn|error|off")
	f.String("log.format", "console", "console|json")
	f.String("http.addr", ":8080", "HTTP listen address")
	f.String("persistence.adapter", "mock", "mock|sqlite|postgres|redis|kafka|file")
	f.String("persistence.sqlite_path", "guildest.db", "SQLite database file")
	f.String("persistence.file_path", "guildest-writes.jsonl", "JSONL write log for the file adapter")
	f.String("persistence.postgres_dsn", "", "Postgres connection string")
	f.String("persistence.redis_addr", "", "Redis address; empty uses a logging client")
	f.String("persistence.kafka_topic", "guildest-writes", "Kafka topic")
	f.StringSlice("persistence.allow_tables", nil, "Tables generic writes may target (empty allows any valid name)")
	f.Int("tracker.spam_threshold", 20, "Messages within tracker.spam_window above which a user is spamming")
	f.Float64("tracker.trigger_chance", 0.35, "Probability an active conversation triggers engagement")
	f.String("tracker.command_prefix", "!", "Messages starting with this prefix are not chat activity")
	f.Duration("janitor.eviction_interval", 0, "How often to drop idle tracker keys; 0 disables")
	f.Duration("janitor.eviction_age", time.Hour, "Idle time before a tracker key is dropped")
	f.Bool("telemetry.enabled", false, "Enable Prometheus metrics")
	f.String("telemetry.metrics_addr", "", "If non-empty, also serve /metrics on this address")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "guildest-core"})
	log := logger.Get()

	recordThresholds(cfg)

	metricsSrv := telemetry.Enable(telemetry.Config{Enabled: cfg.Telemetry.Enabled, MetricsAddr: cfg.Telemetry.MetricsAddr})

	persister, err := persistence.BuildPersister(ctx, cfg.Persistence.Adapter, persistence.Options{
		SQLitePath:     cfg.Persistence.SQLitePath,
		FilePath:       cfg.Persistence.FilePath,
		PostgresDSN:    cfg.Persistence.PostgresDSN,
		RedisAddr:      cfg.Persistence.RedisAddr,
		RedisMarkerTTL: cfg.Persistence.RedisMarkerTTL,
		KafkaTopic:     cfg.Persistence.KafkaTopic,
		AllowTables:    cfg.Persistence.AllowTables,
		Logger:         logger.Named("persistence"),
	})
	if err != nil {
		return fmt.Errorf("build persister: %w", err)
	}

	queue := core.NewWriteQueue(persister, core.Options{
		FlushPollInterval: cfg.Queue.FlushPollInterval,
		Logger:            logger.Named("write-queue"),
		Observer:          telemetry.QueueObserver{},
	})
	telemetry.WatchQueue(queue)

	tracker := activity.NewWithConfig(cfg.Tracker.Activity())
	telemetry.WatchTracker(func() (int, int, int) {
		st := tracker.Stats()
		return st.Users, st.Scopes, st.Cooldowns
	})

	janitor := core.NewJanitor(tracker, cfg.Janitor.EvictionAge, cfg.Janitor.EvictionInterval, logger.Named("janitor"))
	janitor.Start()

	srv := api.NewServer(tracker, queue, api.Options{
		CommandPrefix: cfg.Tracker.CommandPrefix,
		ExposeMetrics: cfg.Telemetry.Enabled,
		Logger:        logger.Named("http"),
	})
	httpServer := srv.NewHTTPServer(cfg.HTTP.Addr, cfg.HTTP.ReadHeaderTimeout)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("adapter", cfg.Persistence.Adapter).Msg("guildest core listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-serveErr:
		if runErr != nil {
			log.Error().Err(runErr).Str("addr", cfg.HTTP.Addr).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	janitor.Stop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
	defer cancelDrain()
	drainAndClose(drainCtx, queue, persister, log)

	st := queue.Stats()
	log.Info().
		Int64("enqueued", st.Enqueued).
		Int64("persisted", st.Persisted).
		Int64("failed", st.Failed).
		Int64("pending", st.Pending).
		Int64("tracker_recovered", tracker.Recovered()).
		Msg("write queue stopped")

	if r, ok := persister.(core.FinalReporter); ok {
		r.PrintFinalMetrics()
	}
	log.Info().Msg("guildest core stopped")
	return runErr
}

// drainAndClose stops the queue and closes the persister once the worker has
// exited. When the drain times out the worker may still be writing, so the
// persister is left open for the process exit to reclaim.
func drainAndClose(ctx context.Context, queue *core.WriteQueue, persister core.Persister, log *logger.Logger) bool {
	if err := queue.Shutdown(ctx); err != nil {
		log.Error().Err(err).Int64("pending", queue.Pending()).Msg("write queue did not drain; leaving persister open")
		return false
	}
	if c, ok := persister.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close persister")
		}
	}
	return true
}

// recordThresholds captures the effective knobs for the final metrics line.
func recordThresholds(cfg *config.Config) {
	t := cfg.Tracker
	core.SetThresholdDuration("spam_window", t.SpamWindow)
	core.SetThresholdInt64("spam_threshold", int64(t.SpamThreshold))
	core.SetThresholdDuration("chat_window", t.ChatWindow)
	core.SetThresholdDuration("chat_active_window", t.ChatActiveWindow)
	core.SetThresholdInt64("chat_min_messages", int64(t.ChatMinMessages))
	core.SetThresholdInt64("chat_min_users", int64(t.ChatMinUsers))
	core.SetThresholdDuration("chat_cooldown", t.ChatCooldown)
	core.SetThresholdFloat64("trigger_chance", t.TriggerChance)
	core.SetThresholdDuration("eviction_age", cfg.Janitor.EvictionAge)
	core.SetThresholdDuration("eviction_interval", cfg.Janitor.EvictionInterval)
	core.SetThreshold("persistence_adapter", cfg.Persistence.Adapter)
	core.SetThreshold("http_addr", cfg.HTTP.Addr)
	core.SetThresholdBool("telemetry", cfg.Telemetry.Enabled)
}
