package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/catalogops/enrich-cli/internal/model"
	"github.com/catalogops/enrich-cli/internal/monitoring"
	"github.com/catalogops/enrich-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enrichment HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Background threshold checks while the server runs.
		if cfg.Server.MonitorInterval > 0 {
			checker := monitoring.NewChecker(env.collector, env.alerter, cfg.Server.MonitorInterval)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(ctx, env),
		}

		// Graceful shutdown: let in-flight requests drain.
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(ctx context.Context, env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/batches", handleSubmitBatch(ctx, env))
		r.Get("/threads", handleListThreads(env))
		r.Get("/threads/{id}", handleGetThread(env))
		r.Get("/threads/{id}/audit", handleAuditTrail(env))
		r.Post("/qa/resume", handleResume(env))
		r.Get("/metrics", handleMetrics(env))
	})

	return r
}

// handleSubmitBatch accepts the envelope and runs it in the background
// against the server's lifetime context, not the request's. Callers
// poll /api/threads?batch_id=... for progress.
func handleSubmitBatch(ctx context.Context, env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var envelope model.BatchEnvelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(envelope.Skus) == 0 {
			writeError(w, http.StatusBadRequest, "skus is required")
			return
		}
		if envelope.BatchID == "" {
			envelope.BatchID = uuid.NewString()
		}

		go func() {
			result, err := env.supervisor.RunBatch(ctx, envelope)
			if err != nil {
				zap.L().Error("batch failed",
					zap.String("batch_id", envelope.BatchID),
					zap.Error(err))
				return
			}
			zap.L().Info("batch finished",
				zap.String("batch_id", result.BatchID),
				zap.Int("done", result.Done),
				zap.Int("needs_review", result.NeedsReview))
		}()

		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":    "accepted",
			"batch_id":  envelope.BatchID,
			"submitted": len(envelope.Skus),
		})
	}
}

func handleListThreads(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.ThreadFilter{
			Status:  model.ThreadStatus(q.Get("status")),
			BatchID: q.Get("batch_id"),
			SKUID:   q.Get("sku_id"),
			Limit:   100,
		}

		threads, err := env.store.ListThreads(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list threads failed")
			return
		}

		writeJSON(w, http.StatusOK, threads)
	}
}

func handleGetThread(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := env.store.GetThread(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "thread not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "get thread failed")
			return
		}

		writeJSON(w, http.StatusOK, thread)
	}
}

func handleAuditTrail(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trail, err := env.store.AuditTrail(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "audit trail failed")
			return
		}

		writeJSON(w, http.StatusOK, trail)
	}
}

func handleResume(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sig model.ResumeSignal
		if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if sig.ThreadID == "" {
			writeError(w, http.StatusBadRequest, "thread_id is required")
			return
		}

		thread, err := env.supervisor.Resume(r.Context(), sig)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "thread not found")
				return
			}
			writeError(w, http.StatusConflict, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, thread)
	}
}

func handleMetrics(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := env.collector.Collect(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "collect metrics failed")
			return
		}

		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
