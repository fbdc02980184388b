package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"golang.org/x/sync/errgroup"

	"github.com/xtding233/gacha-economy/internal/config"
	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/gacha"
	"github.com/xtding233/gacha-economy/internal/logger"
	"github.com/xtding233/gacha-economy/internal/metrics"
	"github.com/xtding233/gacha-economy/internal/packconfig"
	"github.com/xtding233/gacha-economy/internal/reconcile"
	"github.com/xtding233/gacha-economy/internal/stats"
	"github.com/xtding233/gacha-economy/internal/storage/memory"
	"github.com/xtding233/gacha-economy/internal/storage/postgres"
	"github.com/xtding233/gacha-economy/internal/transport/grpcapi"
	"github.com/xtding233/gacha-economy/internal/worker"
)

func main() {
	fs := pflag.NewFlagSet("loot-server", pflag.ExitOnError)
	config.Flags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %+v\n", err)
		os.Exit(2)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(cfg.Metrics.Namespace)
	if err := m.Register(reg); err != nil {
		return errors.Wrap(err, "register metrics")
	}

	shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg.Store, log, m)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := packconfig.NewRegistry(ctx, packconfig.NewLoader(cfg.Packs.Dir),
		packconfig.WithCatalogSink(store),
		packconfig.WithLogger(log),
		packconfig.WithMetrics(m),
	)
	if err != nil {
		return errors.Wrap(err, "load pack config")
	}

	reporterOpts := []stats.Option{stats.WithLogger(log), stats.WithMetrics(m)}
	if cfg.Redis.Addr != "" {
		rdb, err := stats.DialRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		reporterOpts = append(reporterOpts, stats.WithCache(stats.NewRedisCache(rdb, cfg.Redis.KeyPrefix, cfg.Redis.TTL)))
		log.Info("stats cache enabled", "addr", cfg.Redis.Addr)
	}
	reporter := stats.NewReporter(store, registry, reporterOpts...)

	var rng gacha.RandomSource
	if cfg.Packs.Seed != 0 {
		rng = gacha.NewSeededRNG(cfg.Packs.Seed)
		log.Warn("using seeded RNG, draws are predictable", "seed", cfg.Packs.Seed)
	}
	coord := economy.New(store,
		gacha.NewResolver(registry, rng),
		gacha.NewSelector(rng, gacha.WithDuplicatePenalty(cfg.Packs.DuplicatePenalty)),
		cfg.Economy,
		economy.WithLogger(log),
		economy.WithMetrics(m),
		economy.WithCommitHook(reporter.Invalidate),
	)

	pool, err := worker.New(cfg.Server.Workers, cfg.Server.MaxWaiting, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(cfg.Server.ShutdownTimeout); err != nil {
			log.Warn("worker pool close", "error", err)
		}
	}()

	srv, health := grpcapi.NewServer(grpcapi.NewService(coord, reporter, pool),
		grpcapi.ServerConfig{RateLimit: cfg.Server.RateLimit, RateBurst: cfg.Server.RateBurst}, log)

	g, gctx := errgroup.WithContext(ctx)

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.Server.Addr)
	}
	g.Go(func() error {
		log.Info("grpc server listening", "addr", lis.Addr().String())
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		health.Shutdown()
		done := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(cfg.Server.ShutdownTimeout):
			log.Warn("graceful stop timed out, forcing")
			srv.Stop()
		}
		return nil
	})

	if cfg.Metrics.Addr != "" {
		hs := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	if cfg.Packs.Watch {
		w := packconfig.NewWatcher(packconfig.NewLoader(cfg.Packs.Dir).Paths(), registry, cfg.Packs.Debounce, log)
		g.Go(func() error { return w.Run(gctx) })
	}

	if cfg.Reconcile.Enabled {
		c := cron.New()
		r := reconcile.New(store, cfg.Reconcile.PageSize, reconcile.WithLogger(log), reconcile.WithMetrics(m))
		if _, err := r.Schedule(gctx, c, cfg.Reconcile.Schedule); err != nil {
			return err
		}
		c.Start()
		g.Go(func() error {
			<-gctx.Done()
			<-c.Stop().Done()
			return nil
		})
	}

	return g.Wait()
}

// openStore returns the configured store and a func releasing it.
func openStore(ctx context.Context, cfg config.StoreConfig, log logger.Logger, m *metrics.EngineMetrics) (economy.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Postgres, postgres.WithLogger(log), postgres.WithMetrics(m))
		if err != nil {
			return nil, nil, err
		}
		log.Info("using postgres store", "auto_migrate", cfg.Postgres.AutoMigrate)
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn("close postgres", "error", err)
			}
		}, nil
	default:
		log.Warn("using in-memory store, state is lost on exit")
		return memory.New(), func() {}, nil
	}
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func setupTracing(cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, errors.Wrap(err, "trace exporter")
	}
	res := sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
