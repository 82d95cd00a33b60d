package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"mlxrd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Models() []types.Model
	Status() types.StatusResponse
	Generate(ctx context.Context, req types.InferRequest, w io.Writer, flush func()) error
	Cancel(id string) (bool, error)
	Ready() bool
}

// NewMux builds the daemon's HTTP surface:
//
//	POST   /infer          run one generation (NDJSON stream or buffered JSON)
//	DELETE /requests/{id}  cancel a queued or running request
//	GET    /models         registry listing
//	GET    /status         scheduler and KV cache snapshot
//	GET    /healthz        liveness
//	GET    /readyz         readiness (engine loaded, scheduler accepting)
//	GET    /metrics        prometheus
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(types.ModelsResponse{Models: svc.Models()}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Post("/infer", func(w http.ResponseWriter, r *http.Request) {
		handleInfer(svc, w, r)
	})

	r.Delete("/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cancelled, err := svc.Cancel(id)
		if err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.CancelResponse{ID: id, Cancelled: cancelled})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	if met != nil {
		r.Get("/metrics", met.Handler().ServeHTTP)
	}

	MountSwagger(r)

	return r
}

// handleInfer decodes the request, streams the generation and maps
// service errors to status codes. Once streaming has started the status
// line is already written, so late errors only end the stream.
func handleInfer(svc Service, w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.InferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if req.Stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	start := time.Now()
	writer := io.Writer(w)
	lvl := requestLogLevel(r)
	if lvl >= LevelDebug {
		writer = io.MultiWriter(w, &loggingLineWriter{})
	}
	logInferStart(r, req, lvl)

	ctx, stop := generationContext(r)
	defer stop()
	if err := svc.Generate(ctx, req, writer, flush); err != nil {
		// client disconnect or daemon shutdown: nothing left to say
		if r.Context().Err() != nil || baseCtx.Err() != nil {
			return
		}
		status := statusForError(err)
		if status == http.StatusTooManyRequests {
			incrementBackpressure("queue_full")
		}
		writeJSONError(w, status, err.Error())
		logInferEnd(r, lvl, status, time.Since(start), err)
		return
	}
	logInferEnd(r, lvl, http.StatusOK, time.Since(start), nil)
}

func logInferStart(r *http.Request, req types.InferRequest, lvl LogLevel) {
	if lvl < LevelInfo || zlog == nil {
		return
	}
	z := zlog.Info().Str("path", r.URL.Path).Str("model", req.Model).Bool("stream", req.Stream)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	z.Msg("infer start")
}

func logInferEnd(r *http.Request, lvl LogLevel, status int, dur time.Duration, err error) {
	if zlog == nil {
		return
	}
	if err != nil && lvl < LevelError {
		return
	}
	if err == nil && lvl < LevelInfo {
		return
	}
	z := zlog.Info().Int("status", status).Dur("dur", dur)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	if err != nil {
		z = z.Err(err)
	}
	z.Msg("infer end")
}
