// Command demo serves a toy API behind the threatfence guard so the
// escalation ladder can be watched with curl.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KanavDutta/threatfence/api"
	"github.com/KanavDutta/threatfence/cmd/demo/handlers"
	"github.com/KanavDutta/threatfence/internal/logging"
	"github.com/KanavDutta/threatfence/metrics"
	"github.com/KanavDutta/threatfence/middleware"
	"github.com/KanavDutta/threatfence/pkg/threatfence"
)

func main() {
	if err := newDemoCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newDemoCmd() *cobra.Command {
	var (
		port       string
		configFile string
		fastDecoys bool
	)
	cmd := &cobra.Command{
		Use:          "demo",
		Short:        "Run a toy API protected by threatfence",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, port, configFile, fastDecoys)
		},
	}
	cmd.Flags().StringVar(&port, "port", "8080", "port to run the server on")
	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML configuration file")
	cmd.Flags().BoolVar(&fastDecoys, "fast-decoys", false, "serve sinkhole decoys without their delay")
	return cmd
}

func run(ctx context.Context, port, configFile string, fastDecoys bool) error {
	logger, closer, err := logging.New(logging.Config{Level: "info"}, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := []threatfence.Option{
		threatfence.WithLogger(logger),
		threatfence.WithMetrics(metrics.NewMetrics()),
	}
	if configFile != "" {
		opts = append(opts, threatfence.WithConfigFile(configFile))
	}
	engine, err := threatfence.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer engine.Close()
	stopCleanup := engine.StartBackgroundCleanup()
	defer stopCleanup()

	guard, err := middleware.NewGuard(middleware.Config{
		Engine:         engine,
		Logger:         logger,
		SkipDecoyDelay: fastDecoys,
	})
	if err != nil {
		return err
	}
	admin, err := api.NewHandler(engine, api.Options{Logger: logger})
	if err != nil {
		return err
	}

	app := http.NewServeMux()
	app.HandleFunc("GET /api/search", handlers.Search)
	app.HandleFunc("POST /api/login", handlers.Login)
	app.HandleFunc("POST /api/items", handlers.Create)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.Health)
	mux.Handle("/threatfence/", http.StripPrefix("/threatfence", admin.Routes()))
	mux.Handle("/", guard.Middleware(app))

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	fmt.Printf(`threatfence demo on http://localhost:%[1]s

  curl -i http://localhost:%[1]s/api/search?q=test
  for i in $(seq 1 30); do curl -s -o /dev/null -w "%%{http_code}\n" http://localhost:%[1]s/api/search; done
  curl -i -A "sqlmap/1.7" http://localhost:%[1]s/.env
  curl http://localhost:%[1]s/threatfence/v1/stats

`, port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
