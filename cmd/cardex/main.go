package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kailas-cloud/cardex/internal/config"
	"github.com/kailas-cloud/cardex/internal/db"
	dbValkey "github.com/kailas-cloud/cardex/internal/db/valkey"
	"github.com/kailas-cloud/cardex/internal/domain"
	logpkg "github.com/kailas-cloud/cardex/internal/logger"
	"github.com/kailas-cloud/cardex/internal/metrics"
	cardrepo "github.com/kailas-cloud/cardex/internal/repository/card"
	"github.com/kailas-cloud/cardex/internal/repository/embcache"
	serialrepo "github.com/kailas-cloud/cardex/internal/repository/serial"
	"github.com/kailas-cloud/cardex/internal/repository/vectorindex"
	chiTransport "github.com/kailas-cloud/cardex/internal/transport/chi"
	openaiTransport "github.com/kailas-cloud/cardex/internal/transport/openai"
	s3Transport "github.com/kailas-cloud/cardex/internal/transport/s3"
	"github.com/kailas-cloud/cardex/internal/usecase/embedding"
	healthuc "github.com/kailas-cloud/cardex/internal/usecase/health"
	ingestuc "github.com/kailas-cloud/cardex/internal/usecase/ingest"
	searchuc "github.com/kailas-cloud/cardex/internal/usecase/search"
	"github.com/kailas-cloud/cardex/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting cardex API server",
		zap.String("build", version.String()),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	// valkey-search has no bare FT.SEARCH, Redis Stack does.
	store, err := dbValkey.NewStore(dbValkey.Config{
		Addrs:      cfg.Database.Addrs,
		Password:   cfg.Database.Password,
		BareSearch: cfg.Database.Driver == "redis",
	})
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Register metrics explicitly (no init())
	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterSagaMetrics()

	// Vector indices
	distance, err := db.ParseDistance(cfg.Index.Distance)
	if err != nil {
		logger.Fatal("Invalid index distance", zap.Error(err))
	}
	indexRepo := vectorindex.New(store, cfg.Storage.KeyPrefix,
		vectorindex.Spec{
			Name:        cfg.Index.TextIndex,
			Dimensions:  cfg.Embedding.Text.Dimensions,
			Distance:    distance,
			M:           cfg.Index.HNSWM,
			EFConstruct: cfg.Index.HNSWEFConstruct,
		},
		vectorindex.Spec{
			Name:        cfg.Index.VisualIndex,
			Dimensions:  cfg.Embedding.Image.Dimensions,
			Distance:    distance,
			M:           cfg.Index.HNSWM,
			EFConstruct: cfg.Index.HNSWEFConstruct,
		},
	)
	if err := indexRepo.EnsureIndexes(ctx); err != nil {
		logger.Fatal("Failed to create vector indices", zap.Error(err))
	}

	// Embedding service: one explicit instance, ready before traffic is accepted.
	embedSvc := embedding.NewService(
		buildVectorizer(cfg, cfg.Embedding.Text, openaiTransport.ModalityText, "text", store, logger),
		buildVectorizer(cfg, cfg.Embedding.Image, openaiTransport.ModalityImage, "image", store, logger),
		logger,
	)
	if err := embedSvc.Ready(ctx); err != nil {
		// Not fatal: the service retries the probe on first use and /health reports it.
		logger.Warn("Embedding service not ready", zap.Error(err))
	}
	logger.Info("Embedders created",
		zap.String("text_model", cfg.Embedding.Text.Model),
		zap.String("image_model", cfg.Embedding.Image.Model),
		zap.Int("text_dimensions", cfg.Embedding.Text.Dimensions),
		zap.Int("image_dimensions", cfg.Embedding.Image.Dimensions),
	)

	objects := s3Transport.New(s3Transport.Config{
		Bucket:             cfg.S3.Bucket,
		Region:             cfg.S3.Region,
		Endpoint:           cfg.S3.Endpoint,
		AccessKeyID:        cfg.S3.AccessKeyID,
		SecretAccessKey:    cfg.S3.SecretAccessKey,
		PublicBaseURL:      cfg.S3.PublicBaseURL,
		UsePathStyle:       cfg.S3.UsePathStyle,
		MultipartThreshold: cfg.S3.MultipartBytes,
		Logger:             logger,
	})

	cards := cardrepo.New(store, cfg.Storage.KeyPrefix)
	serials := serialrepo.New(store, cfg.Storage.KeyPrefix,
		time.Duration(cfg.Ingest.SerialClaimTTLSec)*time.Second)

	ingestSvc := ingestuc.New(indexRepo, objects, embedSvc, ingestuc.Config{
		TextIndex:       cfg.Index.TextIndex,
		VisualIndex:     cfg.Index.VisualIndex,
		MaxBatchSize:    cfg.Ingest.MaxBatchSize,
		RollbackTimeout: time.Duration(cfg.Ingest.RollbackTimeoutSec) * time.Second,
	}, logger).WithCardStore(cards).WithSerialReserver(serials)

	searchSvc := searchuc.New(indexRepo, embedSvc, searchuc.Config{
		TextIndex:   cfg.Index.TextIndex,
		VisualIndex: cfg.Index.VisualIndex,
		Weights:     searchuc.Weights{Text: cfg.Search.TextWeight, Visual: cfg.Search.VisualWeight},
		DefaultTopK: cfg.Search.DefaultTopK,
		MaxTopK:     cfg.Search.MaxTopK,
	}, logger)

	healthSvc := healthuc.New(store).
		With("embedding", embedSvc).
		With("object_store", objects)

	server := chiTransport.NewServer(ingestSvc, cards, indexRepo, searchSvc, healthSvc,
		chiTransport.Indices{Text: cfg.Index.TextIndex, Visual: cfg.Index.VisualIndex}, logger)

	// Pass the grader only when configured: a typed nil *Grader would not compare equal to nil.
	if cfg.Grader.Provider != "" {
		provCfg := cfg.Embedding.Providers[cfg.Grader.Provider]
		grader := openaiTransport.NewGrader(&openaiTransport.GraderConfig{
			APIKey:  provCfg.APIKey,
			BaseURL: provCfg.BaseURL,
			Model:   cfg.Grader.Model,
			Logger:  logger,
		})
		server.WithGrader(grader)
		healthSvc.With("grader", grader)
		logger.Info("Grader enabled", zap.String("model", cfg.Grader.Model))
	}

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.APIKeyAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	r.Use(chiMiddleware.RequestSize(cfg.HTTP.MaxBodyBytes))
	chiTransport.HandlerWithOptions(server, chiTransport.ChiServerOptions{
		BaseRouter: r,
		ErrorHandlerFunc: func(w http.ResponseWriter, _ *http.Request, err error) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(chiTransport.ErrorResponse{
				Code:    chiTransport.ErrorResponseCodeBadRequest,
				Message: "invalid request",
			})
		},
	})

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// buildVectorizer assembles one modality's provider chain: OpenAI-compatible client, optionally cached.
func buildVectorizer(
	cfg config.Config,
	vecCfg config.VectorizerConfig,
	modality openaiTransport.Modality,
	name string,
	store *dbValkey.Store,
	logger *zap.Logger,
) embedding.Vectorizer {
	provCfg := cfg.Embedding.Providers[vecCfg.Provider]

	base := openaiTransport.NewEmbedder(&openaiTransport.Config{
		APIKey:     provCfg.APIKey,
		BaseURL:    provCfg.BaseURL,
		Model:      vecCfg.Model,
		Dimensions: vecCfg.Dimensions,
		Provider:   vecCfg.Provider,
		Modality:   modality,
		Logger:     logger,
	})

	var embedder domain.BatchEmbedder = base
	if vecCfg.Cache {
		namespace := fmt.Sprintf("%semb:%s:%s:", cfg.Storage.KeyPrefix, name, vecCfg.Model)
		embedder = embcache.New(base, store, namespace, embcache.DefaultTTL, metrics.EmbeddingCacheTotal, logger)
	}

	return embedding.Vectorizer{
		Embedder:   embedder,
		Model:      vecCfg.Model,
		Dimensions: vecCfg.Dimensions,
	}
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
