package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/rendis/sagastore/internal/orchestrator"
	"github.com/rendis/sagastore/internal/store"
	"github.com/rendis/sagastore/internal/validation"
	"github.com/rendis/sagastore/pkg/schema"
)

func openStore(ctx context.Context, cfg Config) (store.ExecutionStore, error) {
	var (
		es  store.ExecutionStore
		err error
	)
	switch cfg.Driver {
	case driverPostgres:
		es, err = store.NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(cfg.DBPath), err)
		}
		es, err = store.NewLibSQLStore("file:" + cfg.DBPath)
	}
	if err != nil {
		return nil, err
	}
	if err := es.Migrate(ctx); err != nil {
		_ = es.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return es, nil
}

func runInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	dir := fs.String("dir", sagastoreDir(), "settings directory")
	format := fs.String("format", "json", "settings file format: json or yaml")
	driver := fs.String("driver", driverLibSQL, "store driver: libsql or postgres")
	dbPath := fs.String("db-path", "", "libSQL database path (default: <dir>/sagastore.db)")
	dsn := fs.String("postgres-dsn", "", "Postgres connection string")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	namespace := fs.String("namespace", "dtrx", "checkpoint key namespace")
	reaper := fs.String("reaper-interval", "1h", "expired execution sweep interval")
	metricsAddr := fs.String("metrics-addr", "", "listen address for /metrics (empty disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := defaultConfig(*dir)
	cfg.Driver = *driver
	cfg.PostgresDSN = *dsn
	cfg.LogLevel = *logLevel
	cfg.Namespace = *namespace
	cfg.ReaperInterval = *reaper
	cfg.MetricsAddr = *metricsAddr
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	path, data, err := encodeSettings(*dir, *format, cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", *dir, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "Config written to %s\n", path)
	return nil
}

func encodeSettings(dir, format string, cfg Config) (string, []byte, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		return filepath.Join(dir, "settings.json"), data, err
	case "yaml", "yml":
		data, err := yaml.Marshal(cfg)
		return filepath.Join(dir, "settings.yaml"), data, err
	default:
		return "", nil, fmt.Errorf("unknown settings format %q", format)
	}
}

func runValidate(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: sagastore validate <file.json>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	v, err := validation.NewFlowValidator()
	if err != nil {
		return err
	}
	if err := v.ValidateJSON(data); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: ok\n", args[0])
	return nil
}

func runMigrate(ctx context.Context, cfg Config, logger *slog.Logger) error {
	es, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer es.Close()
	logger.Info("migrations applied", slog.String("driver", cfg.Driver))
	return nil
}

func runSweep(ctx context.Context, cfg Config, logger *slog.Logger, stdout io.Writer) error {
	es, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer es.Close()

	storage := orchestrator.New(es, orchestrator.Options{Logger: logger})
	defer storage.OnApplicationShutdown(ctx)

	n, err := storage.ClearExpiredExecutions(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d expired executions removed\n", n)
	return nil
}

func runInspect(ctx context.Context, cfg Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	all := fs.Bool("all", false, "print every stored run instead of the latest checkpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var key schema.CheckpointKey
	switch fs.NArg() {
	case 1:
		k, err := schema.ParseCheckpointKey(fs.Arg(0))
		if err != nil {
			return err
		}
		key = k
	case 2:
		key = schema.CheckpointKey{Namespace: cfg.Namespace, WorkflowID: fs.Arg(0), TransactionID: fs.Arg(1)}
	default:
		return errors.New("usage: sagastore inspect [-all] <workflow_id> <transaction_id> | <checkpoint_key>")
	}

	es, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer es.Close()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if *all {
		rows, err := es.List(ctx, store.ExecutionFilter{WorkflowID: key.WorkflowID, TransactionID: key.TransactionID},
			store.ListOptions{OrderDesc: true})
		if err != nil {
			return err
		}
		return enc.Encode(rows)
	}

	storage := orchestrator.New(es, orchestrator.Options{Logger: logger})
	defer storage.OnApplicationShutdown(ctx)

	cp, err := storage.Get(ctx, key.String(), orchestrator.GetOptions{Idempotent: true})
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("no checkpoint for %s", key)
	}
	return enc.Encode(cp)
}

func runServe(ctx context.Context, cfg Config, logger *slog.Logger) error {
	interval, err := cfg.reaperInterval()
	if err != nil {
		return err
	}
	es, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer es.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	storage := orchestrator.New(es, orchestrator.Options{
		Logger:         logger,
		ReaperInterval: interval,
		Registerer:     reg,
	})
	if err := storage.OnApplicationStart(ctx); err != nil {
		return err
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := storage.OnApplicationShutdown(shutdownCtx); err != nil {
		return err
	}
	return serveErr
}
