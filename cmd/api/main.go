package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/rajatrajputdev/megance-inventory/internal/config"
	"github.com/rajatrajputdev/megance-inventory/internal/httpx"
	"github.com/rajatrajputdev/megance-inventory/internal/inventory"
	kafkax "github.com/rajatrajputdev/megance-inventory/internal/kafka"
	"github.com/rajatrajputdev/megance-inventory/internal/logx"
	"github.com/rajatrajputdev/megance-inventory/internal/orders"
	"github.com/rajatrajputdev/megance-inventory/internal/postgres"
	"github.com/rajatrajputdev/megance-inventory/internal/redisx"
	"github.com/rajatrajputdev/megance-inventory/internal/tracing"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logx.Setup(cfg.ServiceName+"-api", cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(cfg.ServiceName+"-api", cfg.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing init")
	}

	if cfg.AutoMigrate {
		if err := postgres.Migrate(cfg.PostgresDSN, cfg.MigrationsPath); err != nil {
			log.Fatal().Err(err).Msg("migrate")
		}
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	store := &postgres.Store{DB: db, MaxAttempts: cfg.TxMaxAttempts}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicStockReconciled, 1024)
	prod.Start(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := &inventory.Service{
		Store:                store,
		Cache:                &redisx.Cache{RDB: rdb, Service: cfg.ServiceName},
		Publisher:            prod,
		Metrics:              inventory.NewMetrics(reg),
		Tracer:               otel.Tracer("inventory-api"),
		Accepted:             orders.NewStatusSet(cfg.AcceptedStatuses...),
		ServiceName:          cfg.ServiceName + "-api",
		StrictCallableStatus: cfg.StrictCallableStatus,
	}

	router := httpx.NewRouter(reg, []byte(cfg.AuthTokenSecret))
	(&httpx.ReconcileHandler{Service: svc, Status: store, AdminKeys: cfg.AdminAPIKeys}).Register(router)
	if cfg.AuthTokenSecret == "" {
		log.Warn().Msg("AUTH_TOKEN_SECRET is empty, callable requests will be rejected as unauthenticated")
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		prod.Close()      // flush pending outcome events
		prod.WaitClosed() // drain
		if terr := shutdownTracing(sctx); terr != nil {
			log.Warn().Err(terr).Msg("tracing shutdown")
		}
		return err
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("api exited")
	}
}
