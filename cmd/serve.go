// cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/markb/chagpt/internal/chagpt"
	"github.com/markb/chagpt/internal/config"
	"github.com/markb/chagpt/internal/hub"
	"github.com/markb/chagpt/internal/log"
	"github.com/markb/chagpt/internal/lottery"
	"github.com/markb/chagpt/internal/metrics"
	"github.com/markb/chagpt/internal/observability"
	"github.com/markb/chagpt/internal/server"
	"github.com/markb/chagpt/internal/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the danmaku hub",
	Long: `Starts the HTTP server with the audience (/chagpt), admin (/chagpt-admin)
and emitter (/danmaku) WebSocket endpoints plus the lottery draw.

Settings come from the environment (and .env); flags override them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := log.Init(cfg.Log()); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		defer log.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tel, cleanup, err := observability.Init(ctx, cfg.Telemetry())
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer cleanup()

		return runServe(ctx, cfg, tel)
	},
}

// loadConfig applies CLI flags over environment variables over defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("db-driver") {
		cfg.DBDriver, _ = flags.GetString("db-driver")
	}
	if flags.Changed("db") {
		cfg.DBPath, _ = flags.GetString("db")
	}
	if flags.Changed("database-url") {
		cfg.DatabaseURL, _ = flags.GetString("database-url")
	}
	if flags.Changed("routing") {
		cfg.RoutingPolicy, _ = flags.GetString("routing")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("https-domain") {
		cfg.HTTPSDomain, _ = flags.GetString("https-domain")
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config, tel *observability.Telemetry) error {
	st, err := store.Open(ctx, cfg.Store())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	svc := chagpt.NewService(cfg.Service(), st, hub.NewRegistry(m), clockwork.NewRealClock(), m)
	if err := svc.Init(ctx); err != nil {
		log.Warn("starting without a repertoire", "error", err)
	}

	pool := lottery.NewPool()
	srv := server.New(svc, server.Config{
		Realtime:    cfg.Realtime(),
		Lottery:     lottery.NewHandler(cfg.LotterySecret, pool, svc, nil),
		CORSOrigins: cfg.Origins(),
		Store:       st,
		Metrics:     m,
		Registry:    reg,
		Telemetry:   tel,
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.LotteryURL != "" {
		scraper := lottery.NewScraper(cfg.LotteryURL, pool)
		scraper.Interval = cfg.LotteryInterval
		scraper.Timeout = cfg.LotteryTimeout
		g.Go(func() error { return scraper.Run(gctx) })
	} else {
		log.Info("LOTTERY_URL not set, block scraper disabled")
	}

	g.Go(func() error {
		var err error
		if cfg.HTTPSDomain != "" {
			log.Info("starting chagpt", "addr", ":443", "domain", cfg.HTTPSDomain, "routing", cfg.RoutingPolicy, "db", cfg.DBDriver)
			err = srv.ListenAndServeHTTPS(":443", server.HTTPSConfig{
				Domain:   cfg.HTTPSDomain,
				CertDir:  cfg.HTTPSCertDir,
				HTTPAddr: ":80",
			})
		} else {
			log.Info("starting chagpt", "addr", cfg.Addr(), "routing", cfg.RoutingPolicy, "db", cfg.DBDriver)
			err = srv.ListenAndServe(cfg.Addr())
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("db-driver", "sqlite", "Database driver: sqlite or postgres")
	serveCmd.Flags().String("db", "chagpt.db", "Path to SQLite database file")
	serveCmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	serveCmd.Flags().String("routing", "moderated", "Danmaku routing: moderated or direct")
	serveCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().String("https-domain", "", "Serve HTTPS with a Let's Encrypt certificate for this domain")
}
