// Command notiq-worker runs the prebuilt background jobs and serves their
// metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/notiq/notiq/internal/config"
	"github.com/notiq/notiq/internal/discovery"
	"github.com/notiq/notiq/internal/infrastructure/observability/prometrics"
	"github.com/notiq/notiq/internal/infrastructure/observability/zaplogger"
	"github.com/notiq/notiq/internal/jobs"
	"github.com/notiq/notiq/internal/observability"
	"github.com/notiq/notiq/internal/taskqueue"
	"github.com/notiq/notiq/monitor"
	"github.com/notiq/notiq/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const (
	workerLogger    = "notiq.worker"
	shutdownTimeout = 10 * time.Second
)

func main() {
	envFile := flag.String("env-file", "", "load configuration from this .env file instead of the environment")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "notiq-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	cfg, warnings, err := loadConfig(envFile)
	if err != nil {
		return err
	}

	tel := telemetry.New(telemetry.WithLogDir(cfg.LogDir))
	defer func() { _ = tel.Close() }()

	base := tel.Loggers().Provision(zaplogger.Spec{Name: workerLogger, Level: zapcore.InfoLevel, Dir: cfg.LogDir})
	zap.ReplaceGlobals(base)
	log := zaplogger.Wrap(base)

	for _, w := range warnings {
		log.Warn("config_fallback", observability.F("detail", w))
	}
	log.Info("config_loaded",
		observability.F("broker_url", redact(cfg.BrokerURL)),
		observability.F("result_backend", redact(cfg.ResultBackend)),
		observability.F("tasks_dir", cfg.TasksDir),
		observability.F("log_dir", cfg.LogDir),
		observability.F("metrics_addr", cfg.MetricsAddr),
		observability.F("concurrency", cfg.Concurrency),
	)

	otel.SetTextMapPropagator(propagation.TraceContext{})

	modules, err := discovery.Modules(cfg.TasksDir)
	if err != nil {
		log.Warn("task_discovery_failed", observability.F("error", err))
	}
	log.Info("task_modules_discovered",
		observability.F("dir", cfg.TasksDir),
		observability.F("modules", modules),
	)

	messages, err := tel.Metrics().Counter(prometrics.TaskMessagesSpec())
	if err != nil {
		return fmt.Errorf("resolve task metrics: %w", err)
	}
	broker := taskqueue.NewBroker(log,
		taskqueue.WithConcurrency(cfg.Concurrency),
		taskqueue.WithMessages(messages),
	)
	if err := jobs.Register(broker, log, jobs.WithMonitorOptions(monitor.WithTelemetry(tel))); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}
	log.Info("tasks_registered", observability.F("tasks", broker.Tasks()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("metrics_server_start", observability.F("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics_server_shutdown_error", observability.F("error", err))
			errs = append(errs, err)
		} else {
			log.Info("metrics_server_stopped")
		}
		if err := broker.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Info("worker_stopped")
	_ = base.Sync()
	return err
}

// loadConfig reads envFile when given and fails on any invalid value;
// otherwise it reads the environment, falling back per value.
func loadConfig(envFile string) (config.Config, []string, error) {
	if envFile != "" {
		cfg, err := config.LoadEnvFile(envFile)
		return cfg, nil, err
	}
	res := config.FromEnv()
	return res.Config, res.Warnings, nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
