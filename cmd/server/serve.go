package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KanavDutta/threatfence/api"
	"github.com/KanavDutta/threatfence/metrics"
	"github.com/KanavDutta/threatfence/pkg/threatfence"
	"github.com/KanavDutta/threatfence/store"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	addr       string
	adminToken string
	redisAddr  string
	watch      bool
}

func newServeCmd(c *cli) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":"+getEnv("PORT", "8080"), "listen address")
	cmd.Flags().StringVar(&opts.adminToken, "admin-token", getEnv("THREATFENCE_ADMIN_TOKEN", ""), "bearer token required on /v1/admin")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", getEnv("REDIS_ADDR", ""), "persist threat state in Redis at this address")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "reload the configuration file when it changes")
	return cmd
}

func runServe(ctx context.Context, c *cli, opts *serveOptions) error {
	logger := c.logger
	config, err := c.loadConfig()
	if err != nil {
		return err
	}
	if opts.redisAddr != "" {
		config.Redis.Addr = opts.redisAddr
	}

	tracker := metrics.NewMetrics()
	engineOpts := []threatfence.Option{
		threatfence.WithConfig(config),
		threatfence.WithLogger(logger),
		threatfence.WithMetrics(tracker),
	}

	if config.Redis.Addr != "" {
		redisStore := store.NewRedisStore(config.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisStore.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = redisStore.Close()
			return fmt.Errorf("failed to connect to Redis at %s: %w", config.Redis.Addr, err)
		}
		logger.Info("store_connected", "component", "server", "backend", "redis", "addr", config.Redis.Addr)
		engineOpts = append(engineOpts, threatfence.WithThreatStore(redisStore))
	} else {
		logger.Warn("store_disabled", "component", "server", "detail", "threat state is lost on restart")
	}

	engine, err := threatfence.New(engineOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("engine_close_failed", "component", "server", "error", err)
		}
	}()

	if n, err := engine.LoadState(ctx); err != nil {
		logger.Warn("state_load_failed", "component", "server", "error", err)
	} else if n > 0 {
		logger.Info("state_restored", "component", "server", "applied", n)
	}

	handler, err := api.NewHandler(engine, api.Options{
		Logger:     logger,
		AdminToken: opts.adminToken,
		ConfigPath: c.configPath,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("GET /dashboard", dashboardHandler)

	server := &http.Server{
		Addr:              opts.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopCleanup := engine.StartBackgroundCleanup()
	defer stopCleanup()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server_listening", "component", "server", "addr", opts.addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server_stopping", "component", "server")
		return server.Shutdown(shutdownCtx)
	})
	if c.configPath != "" && opts.watch {
		g.Go(func() error {
			return engine.WatchConfig(gctx, c.configPath)
		})
	}
	return g.Wait()
}
