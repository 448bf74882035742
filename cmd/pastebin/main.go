package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pastebin/cfg"
	"pastebin/svc/api"
	"pastebin/svc/auth"
	"pastebin/svc/cache"
	"pastebin/svc/db"
	"pastebin/svc/geo"
	"pastebin/svc/lim"
	"pastebin/svc/svc"
	"pastebin/svc/util"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var conf *cfg.Cfg

var rootCmd = &cobra.Command{
	Use:               "pastebin",
	Short:             "Paste sharing service with expiry, burn-after-read and view analytics",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired pastes once and exit",
	RunE:  runSweep,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Exit non-zero when the store (or a running server) is unhealthy",
	RunE:  runHealth,
}

func init() {
	rootCmd.PersistentFlags().StringSlice("env-file", []string{".env"}, "dotenv files to load before reading the environment")
	healthCmd.Flags().String("url", "", "base URL of a running server; checks its /ready endpoint instead of the store")
	rootCmd.AddCommand(serveCmd, sweepCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	files, _ := cmd.Flags().GetStringSlice("env-file")
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "load %s", f)
		}
	}
	c, err := cfg.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	util.InitLog(c.LogLevel, c.IsDev())
	conf = c
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	c := conf
	if err := cfg.Validate(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	defer c.Wipe()
	util.Info().Str("environment", c.Environment).Msg("starting pastebin API")
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pepper, err := loadPepper(ctx, c)
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(auth.Params{
		Iterations:  c.Argon2Time,
		Memory:      c.Argon2Memory,
		Parallelism: c.Argon2Parallelism,
		Concurrency: c.HasherConcurrency,
	}, pepper)
	util.Wipe(pepper)
	if err != nil {
		return errors.Wrap(err, "failed to initialize hasher")
	}
	defer hasher.Close()
	util.Info().Int("concurrency", c.HasherConcurrency).Msg("hasher initialized")

	be, err := openStore(c)
	if err != nil {
		return err
	}
	defer be.Close()

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, running without shared cache")
		} else {
			defer rdb.Close()
			util.Info().Msg("redis connected")
		}
	}

	var lru *cache.LRU
	if c.AnalyticsCacheTTL > 0 {
		if lru, err = cache.NewLRU(c.AnalyticsCacheLen, c.AnalyticsCacheTTL); err != nil {
			return errors.Wrap(err, "failed to create analytics cache")
		}
	}
	tasks := svc.NewDispatcher(c.WorkerPoolSize, c.TaskQueueSize)
	analytics := svc.NewAnalytics(be.store, lru)
	pasteSvc := svc.NewPaste(be.store, hasher, tasks, analytics, svc.Options{
		ShortIDLength:   c.ShortIDLength,
		MaxContentChars: c.MaxPasteChars,
		PasteCacheTTL:   c.PasteCacheTTL,
	})
	util.Info().Int("workers", c.WorkerPoolSize).Int("queue", c.TaskQueueSize).Msg("paste service initialized")

	var (
		shared lim.Window
		cached api.Pinger
	)
	if rdb != nil {
		pasteSvc.WithCache(rdb)
		shared = rdb
		cached = rdb
	}
	if c.GeoTable != "" {
		table, err := geo.LoadFile(c.GeoTable)
		if err != nil {
			return errors.Wrap(err, "failed to load geo table")
		}
		pasteSvc.WithGeo(table)
		util.Info().Int("networks", table.Len()).Msg("geo table loaded")
	}

	limiter, err := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, shared, c.TrustedProxies)
	if err != nil {
		return errors.Wrap(err, "failed to create rate limiter")
	}
	limiter.Start()
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Bool("shared_window", shared != nil).
		Msg("rate limiter initialized")

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	svc.StartCleaner(bgCtx, be.store, c.CleanupInterval)
	walDone := make(chan struct{})
	go func() {
		defer close(walDone)
		if be.sqlite != nil {
			be.sqlite.StartWALMaintenance(bgCtx)
		}
	}()

	server := api.NewServer(c, pasteSvc, limiter, be.store, cached)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
	}

	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()
	tasks.Shutdown(10 * time.Second)
	cancelBg()
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(6 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	be, err := openStore(conf)
	if err != nil {
		return err
	}
	defer be.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	n, err := svc.Sweep(ctx, be.store)
	if err != nil {
		return errors.Wrap(err, "sweep")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired pastes\n", n)
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	if url, _ := cmd.Flags().GetString("url"); url != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/ready", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return errors.Wrap(err, "ready probe")
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("ready probe returned %d", resp.StatusCode)
		}
		return nil
	}
	be, err := openStore(conf)
	if err != nil {
		return err
	}
	defer be.Close()
	return be.store.Ping(ctx)
}
