// cmd/clinqueryd/main.go
package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"clinquery/internal/audit"
	"clinquery/internal/clarify"
	"clinquery/internal/codegen"
	"clinquery/internal/common/config"
	"clinquery/internal/common/database"
	"clinquery/internal/common/logger"
	"clinquery/internal/conditions"
	"clinquery/internal/intent"
	"clinquery/internal/pipeline"
	"clinquery/internal/registry"
	"clinquery/internal/retrieve"
	"clinquery/internal/sandbox"
	"clinquery/internal/server"
)

func main() {
	// Bootstrap logger until the configured one takes over.
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("failed to load configuration", zap.Error(err))
	}

	zapLog = logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	log.Info("starting clinquery", map[string]interface{}{
		"name":        cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": cfg.App.Environment,
	})

	shutdownTracing, err := initTracing(cfg)
	if err != nil {
		zapLog.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing()

	// Postgres holds the patient data; without it there is nothing to query.
	var pg *database.PostgresClient
	err = retryWithBackoff(5, time.Second, func() error {
		var connErr error
		pg, connErr = database.NewPostgres(cfg.Database.Postgres)
		if connErr != nil {
			return connErr
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if pingErr := pg.Ping(pingCtx); pingErr != nil {
			_ = pg.Close()
			return pingErr
		}
		return nil
	})
	if err != nil {
		zapLog.Fatal("postgres unavailable", zap.Error(err))
	}
	defer pg.Close()
	log.Info("postgres connected", map[string]interface{}{
		"host": cfg.Database.Postgres.Host,
	})

	// Redis only caches condition lookups; run without it when it is down.
	var mapper conditions.Mapper = conditions.NewStaticMapper()
	rdb, rdbErr := database.NewRedis(cfg.Database.Redis)
	if rdbErr == nil && pingRedis(rdb) == nil {
		defer rdb.Close()
		mapper = conditions.NewCachedMapper(mapper, rdb.Client)
		log.Info("redis connected", map[string]interface{}{
			"address": cfg.Database.Redis.Address,
		})
	} else {
		if rdb != nil {
			_ = rdb.Close()
		}
		log.Warn("redis unavailable, condition cache disabled", map[string]interface{}{
			"address": cfg.Database.Redis.Address,
		})
	}

	// Audit snapshots go to elasticsearch when enabled; the recorder is
	// best-effort either way.
	var recorder audit.Recorder = audit.NoopRecorder{}
	if cfg.Audit.Enabled {
		if es, esErr := database.NewElasticsearch(cfg.Database.Elasticsearch); esErr != nil {
			log.WithError(esErr).Warn("elasticsearch unavailable, audit trail disabled", nil)
		} else {
			recorder = audit.NewElasticRecorder(es.Client, cfg.Audit.Index, log)
			log.Info("audit trail enabled", map[string]interface{}{
				"index": cfg.Audit.Index,
			})
		}
	}

	reg := registry.Default()

	var extractor intent.Extractor
	if cfg.Extraction.BaseURL != "" {
		client, exErr := intent.NewExtractionClient(&intent.ExtractionConfig{
			BaseURL:    cfg.Extraction.BaseURL,
			Timeout:    time.Duration(cfg.Extraction.Timeout) * time.Millisecond,
			MaxRetries: cfg.Extraction.MaxRetries,
		}, log)
		if exErr != nil {
			zapLog.Fatal("failed to build extraction client", zap.Error(exErr))
		}
		extractor = client
	} else {
		log.Warn("no extraction service configured, heuristic parsing only", nil)
	}

	parser := intent.NewParser(extractor, reg, mapper, log)
	clarifier := clarify.New(parser, reg, cfg.Clarify.ConfidenceThreshold, log)
	generator := codegen.New(reg, log)
	retriever := retrieve.NewSQLRetriever(pg.GetDB(), log)
	executor := sandbox.New(sandbox.Config{
		Timeout:        time.Duration(cfg.Sandbox.Timeout) * time.Millisecond,
		AllowedModules: cfg.Sandbox.AllowedModules,
		MaxResultRows:  cfg.Sandbox.MaxResultRows,
	}, retriever, log)

	pipe := pipeline.New(parser, clarifier, generator, executor, recorder, log)
	api := server.New(pipe, log)

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	// The pprof blank import registers on the default mux.
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.App.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening", map[string]interface{}{"addr": cfg.App.ListenAddr})
		if srvErr := srv.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			zapLog.Fatal("server failed", zap.Error(srvErr))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown failed", nil)
	}
}

func pingRedis(rdb *database.RedisClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return rdb.Ping(ctx)
}

// retryWithBackoff retries fn with exponentially growing delays.
func retryWithBackoff(attempts int, initial time.Duration, fn func() error) error {
	delay := initial
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// initTracing installs a stdout trace exporter. The returned function flushes
// and shuts the provider down.
func initTracing(cfg *config.Config) (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.App.Name),
		semconv.ServiceVersion(cfg.App.Version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}
