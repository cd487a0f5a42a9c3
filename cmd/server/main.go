package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/order-fulfillment/internal/adapter/handler"
	"github.com/rl1809/order-fulfillment/internal/adapter/storage"
	"github.com/rl1809/order-fulfillment/internal/audit"
	"github.com/rl1809/order-fulfillment/internal/config"
	"github.com/rl1809/order-fulfillment/internal/core/service"
	"github.com/rl1809/order-fulfillment/internal/metrics"
	"github.com/rl1809/order-fulfillment/internal/port"
	"github.com/rl1809/order-fulfillment/internal/queue"
	"github.com/rl1809/order-fulfillment/internal/tracing"
)

const (
	serviceName     = "order-fulfillment"
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func newLogger(cfg config.AppConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.LogFormat == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).With().Timestamp().Str("service", serviceName).Logger()
}

func run(cfg config.AppConfig, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.InitTracerProvider(serviceName, cfg.JaegerEndpoint, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("tracer shutdown")
			}
		}()
	}

	reg := metrics.NewRegistry()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.AuditSink == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB, PoolSize: 50})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	}

	sink, err := openAuditSink(cfg, rdb, log)
	if err != nil {
		return err
	}
	emitter := audit.NewEmitter(sink, audit.EmitterConfig{
		QueueSize:   cfg.AuditQueueSize,
		MaxAttempts: cfg.AuditDeliveryAttempts,
		Backoff:     100 * time.Millisecond,
	}, log, reg)

	policy := service.DefaultRetryPolicy()
	policy.MaxRetries = cfg.MaxRetries
	policy.BaseBackoff = cfg.RetryBackoff
	orderService := service.NewOrderService(store, emitter,
		service.WithRetryPolicy(policy),
		service.WithLogger(log),
		service.WithMetrics(reg),
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), handler.RequestLogger(log))
	handler.NewHTTPHandler(orderService, log).Register(router)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", reg.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	grpcServer := grpc.NewServer()
	handler.RegisterOrderServiceServer(grpcServer, handler.NewGRPCHandler(orderService, log))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if cfg.RelayEnabled() {
		producer := queue.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		relay := queue.NewRelay(rdb, producer, cfg.AuditStream, cfg.AuditGroup, cfg.AuditConsumer, log, reg)
		g.Go(func() error { return relay.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		grpcServer.GracefulStop()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics shutdown")
		}
		// in-flight calls are done, drain what they emitted
		if err := emitter.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("audit emitter did not drain")
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.AppConfig, log zerolog.Logger) (port.TxRunner, func(), error) {
	if cfg.StoreDriver == "memory" {
		log.Warn().Msg("using in-memory store, data is not durable")
		return storage.NewMemoryStore(cfg.LockWaitTimeout), func() {}, nil
	}

	dsn, err := storage.NormalizeDSN(cfg.MySQLDSN)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}
	adapter := storage.NewMySQLAdapter(db, cfg.LockWaitTimeout)
	if err := adapter.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info().Msg("connected to mysql")
	return adapter, func() { db.Close() }, nil
}

func openAuditSink(cfg config.AppConfig, rdb *redis.Client, log zerolog.Logger) (port.AuditSink, error) {
	switch cfg.AuditSink {
	case "gorm":
		db, err := storage.OpenAuditDB(cfg.AuditDBDriver, cfg.AuditDBDSN)
		if err != nil {
			return nil, err
		}
		sink := storage.NewGormAuditSink(db)
		if err := sink.Migrate(); err != nil {
			return nil, fmt.Errorf("migrate audit db: %w", err)
		}
		log.Info().Str("driver", cfg.AuditDBDriver).Msg("audit archive ready")
		return sink, nil
	case "redis":
		return storage.NewRedisStreamSink(rdb, cfg.AuditStream, int64(cfg.AuditStreamMaxLen)), nil
	}
	return audit.NewLogSink(log), nil
}
