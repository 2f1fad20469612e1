// Command scaler runs the Thorium tick-loop scheduler: it claims active
// reactions, assigns demand to backend workers, despawns idle/lost
// workers, and publishes the §6 stats snapshot over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/gabaker/thorium/packages/api"
	"github.com/gabaker/thorium/packages/backend"
	"github.com/gabaker/thorium/packages/backend/baremetal"
	"github.com/gabaker/thorium/packages/backend/external"
	"github.com/gabaker/thorium/packages/backend/k8s"
	"github.com/gabaker/thorium/packages/bans"
	"github.com/gabaker/thorium/packages/config"
	"github.com/gabaker/thorium/packages/eventhandler"
	"github.com/gabaker/thorium/packages/ledger"
	"github.com/gabaker/thorium/packages/models"
	"github.com/gabaker/thorium/packages/registry"
	"github.com/gabaker/thorium/packages/scheduler"
	"github.com/gabaker/thorium/packages/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var manifestDir string

	cmd := &cobra.Command{
		Use:   "scaler",
		Short: "Run the Thorium scaler tick loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), configPath, manifestDir)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a scaler config file (yaml/json/toml)")
	cmd.Flags().StringVar(&manifestDir, "manifest-dir", "", "directory of image/pipeline yaml manifests to load at startup")
	config.BindFlags(cmd.Flags())
	return cmd
}

func run(fs *pflag.FlagSet, configPath, manifestDir string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(fs, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := registry.New()
	if manifestDir != "" {
		if err := loadManifests(reg, manifestDir); err != nil {
			return fmt.Errorf("load manifests: %w", err)
		}
	}

	banRegistry := bans.New(reg)
	fairShare := ledger.New(cfg.Quotas())

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	backends, err := buildBackends(cfg, logger)
	if err != nil {
		return fmt.Errorf("build backends: %w", err)
	}

	sched := scheduler.New(cfg.SchedulerConfig(), logger, fairShare, banRegistry, st, reg, reg, backends)

	tracerProvider, err := setupTracing()
	if err != nil {
		logger.Warn("tracing unavailable, running without tick spans", slog.Any("error", err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer provider shutdown failed", slog.Any("error", err))
			}
		}()
		sched.SetTracer(otelTracer{tracerProvider.Tracer("thorium/scheduler")})
	}

	var searchIndex *store.SearchIndex
	if cfg.SearchDSN != "" {
		searchIndex, err = store.OpenSearchIndex(cfg.SearchDSN)
		if err != nil {
			return fmt.Errorf("open search index: %w", err)
		}
		defer func() { _ = searchIndex.Close() }()
		sched.SetIndexer(searchIndex)
	}

	eh := eventhandler.New(logger, reg, st, st, 256)

	handler := api.NewHandler(sched, banRegistry, sched, eh, logger)
	if searchIndex != nil {
		handler.SetSearch(searchIndex)
	}
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler.Router()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if configPath != "" {
		watcher, err := config.Watch(fs, configPath, logger, func(newCfg *config.Config) {
			sched.UpdateConfig(newCfg.SchedulerConfig())
			fairShare.UpdateQuotas(newCfg.Quotas())
		})
		if err != nil {
			logger.Warn("config hot-reload unavailable", slog.Any("error", err))
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.Any("error", err))
		}
	}()

	go func() {
		if err := sched.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("scheduler stopped", slog.Any("error", err))
		}
	}()

	go func() {
		if err := eh.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("event handler stopped", slog.Any("error", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received")

	eh.Stop()
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.Any("error", err))
	}
	logger.Info("shutdown complete")
	return nil
}

// otelTracer adapts go.opentelemetry.io/otel/trace.Tracer to
// scheduler.Tracer, since trace.Span's method set is a superset of
// scheduler.Span and assigns directly.
type otelTracer struct{ tracer trace.Tracer }

func (t otelTracer) Start(ctx context.Context, spanName string) (context.Context, scheduler.Span) {
	ctx, span := t.tracer.Start(ctx, spanName)
	return ctx, span
}

// setupTracing wires a stdout-exported tracer provider for the scheduler's
// tick-level spans (§6 observability), local-debugging only: no remote
// collector is configured.
func setupTracing() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}

func buildBackends(cfg *config.Config, logger *slog.Logger) (map[models.BackendKind]backend.Driver, error) {
	out := map[models.BackendKind]backend.Driver{}

	clientset, err := k8s.NewClient(cfg.KubeconfigPath)
	if err != nil {
		logger.Warn("k8s backend unavailable, skipping", slog.Any("error", err))
	} else {
		driver := k8s.NewDriver(clientset, cfg.Namespace, logger)
		out[models.BackendKindK8s] = backend.NewRateLimitedDriver(driver, cfg.SpawnRateLimitPerSecond, cfg.SpawnRateLimitBurst)
	}

	out[models.BackendKindBareMetal] = backend.NewRateLimitedDriver(
		baremetal.NewDriver(nil, logger), cfg.SpawnRateLimitPerSecond, cfg.SpawnRateLimitBurst)
	out[models.BackendKindExternal] = backend.NewRateLimitedDriver(
		external.NewDriver(), cfg.SpawnRateLimitPerSecond, cfg.SpawnRateLimitBurst)

	return out, nil
}

func loadManifests(reg *registry.Registry, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".yaml" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read manifest %s: %w", path, err)
		}
		if _, err := reg.LoadImageYAML(data); err == nil {
			return nil
		}
		if _, err := reg.LoadPipelineYAML(data); err == nil {
			return nil
		}
		return fmt.Errorf("manifest %s is neither a valid image nor pipeline", path)
	})
}
