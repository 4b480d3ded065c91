// Command user-service registers users from create-user commands published
// on the user exchange.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	messenger "github.com/nbittich/v3"
	"github.com/nbittich/v3/domain"
	"github.com/nbittich/v3/health"
	"github.com/nbittich/v3/interceptors"
	"github.com/nbittich/v3/internal/config"
	"github.com/nbittich/v3/internal/logging"
	"github.com/nbittich/v3/internal/rabbitmq"
	"github.com/nbittich/v3/internal/reliability"
	"github.com/nbittich/v3/internal/userservice"
	"github.com/nbittich/v3/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	appName         = "user_ms"
	shutdownTimeout = 10 * time.Second
	checkTimeout    = 5 * time.Second
	handlerTimeout  = 30 * time.Second
	processedTTL    = 24 * time.Hour
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "user-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(appName)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: cfg.AppName,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := messenger.New(ctx, cfg.Exchange, cfg.AppName,
		messenger.WithLogger(logger),
		messenger.WithBrokerURL(cfg.Broker.URL()),
		messenger.WithPoolOptions(cfg.Broker.PoolOptions()...),
	)
	if err != nil {
		return fmt.Errorf("could not create messenger for %s: %w", cfg.AppName, err)
	}
	defer m.Close()

	db, err := store.Open(cfg.Store.Path, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("could not create store for %s: %w", cfg.AppName, err)
	}
	defer db.Close()

	chain := interceptors.NewChain(
		interceptors.NewRecoveryInterceptor(),
		interceptors.NewLoggingInterceptor(logger),
		interceptors.NewMetricsInterceptor("create-user"),
		interceptors.NewDuplicateDetectionInterceptor(
			store.NewProcessedLog(db, domain.CreateUserCommandKey, processedTTL), logger),
		interceptors.NewTimeoutInterceptor(handlerTimeout),
	)
	svc := userservice.New(m, userservice.NewUserRepository(db),
		userservice.WithLogger(logger),
		userservice.WithInterceptors(chain),
	)

	registry := health.NewRegistry()
	registry.SetMetadata("application", cfg.AppName)
	registry.SetMetadata("exchange", cfg.Exchange)
	registry.Register(health.NewBrokerChecker(m.Pool()))
	registry.Register(health.NewQueueChecker(
		rabbitmq.QueueName(cfg.AppName, domain.CreateUserCommandKey), m.Topology(), 0))
	registry.Register(health.NewPingChecker("store", db))

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Get("/healthz", health.LivenessHandler())
	router.Get("/readyz", health.ReadinessHandler(registry, checkTimeout))
	router.Handle("/health", health.NewHandler(registry, checkTimeout))
	router.Handle("/metrics", promhttp.Handler())
	svc.Routes(router)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("running", "exchange", cfg.Exchange, "http_addr", cfg.HTTP.Addr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		policy := reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 0)
		sup := reliability.NewSupervisor("create-user", policy, reliability.WithSupervisorLogger(logger))
		err := sup.Run(gctx, func(ctx context.Context) error {
			return svc.Run(ctx)
		})
		// an undecodable envelope is final: it stays at the head of the
		// queue until it is moved or purged from the broker
		if err != nil {
			logger.Error("create user command consumer stopped", "error", err,
				"queue", rabbitmq.QueueName(cfg.AppName, domain.CreateUserCommandKey))
		}
		return err
	})

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}
