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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/rajatrajputdev/megance-inventory/internal/config"
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
	name := cfg.ServiceName + "-inventory"
	logx.Setup(name, cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(name, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing init")
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicStockReconciled, 1024)
	prod.Start(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := &inventory.Service{
		Store:       &postgres.Store{DB: db, MaxAttempts: cfg.TxMaxAttempts},
		Cache:       &redisx.Cache{RDB: rdb, Service: cfg.ServiceName},
		Publisher:   prod,
		Metrics:     inventory.NewMetrics(reg),
		Tracer:      otel.Tracer("inventory-consumer"),
		Accepted:    orders.NewStatusSet(cfg.AcceptedStatuses...),
		ServiceName: name,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.InventoryGroup, orders.TopicOrderCreated, cfg.InventoryWorkers)

	// metrics only; the consumer has no API
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("group", cfg.InventoryGroup).Str("topic", orders.TopicOrderCreated).
			Int("workers", cfg.InventoryWorkers).Msg("inventory consumer started")
		return cons.Start(gctx, svc.HandleOrderCreated)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("consumer exit")
	}
	log.Info().Msg("shutting down consumer...")
	prod.Close()
	prod.WaitClosed()
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := shutdownTracing(sctx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
}
