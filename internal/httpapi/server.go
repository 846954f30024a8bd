// Package httpapi exposes the control plane over HTTP: sessions, request
// submission, semantic variables, engine registration and status.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parrotd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	CreateSession() int
	CloseSession(id int) error
	Submit(sessionID int, req types.SubmitRequest) (types.SubmitResponse, error)
	SetVar(sessionID int, name, content string) (types.VarResponse, error)
	GetVar(ctx context.Context, sessionID int, name string, wait bool) (types.VarResponse, error)
	RegisterEngine(cfg types.EngineConfig) (int, error)
	EngineHeartbeat(req types.EngineHeartbeatRequest) error
	Status() types.StatusResponse
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/v1/session", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := svc.CreateSession()
			writeJSON(w, http.StatusCreated, types.SessionResponse{SessionID: id})
			logOutcome(r, "create_session", http.StatusCreated, start, nil)
		})

		r.Route("/{sid}", func(r chi.Router) {
			r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
				start := time.Now()
				sid, ok := sessionID(w, r)
				if !ok {
					return
				}
				if err := svc.CloseSession(sid); err != nil {
					fail(w, r, "close_session", start, err)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				logOutcome(r, "close_session", http.StatusNoContent, start, nil)
			})

			r.Post("/requests", func(w http.ResponseWriter, r *http.Request) {
				start := time.Now()
				sid, ok := sessionID(w, r)
				if !ok {
					return
				}
				var req types.SubmitRequest
				if !decodeJSON(w, r, &req) {
					return
				}
				resp, err := svc.Submit(sid, req)
				if err != nil {
					fail(w, r, "submit", start, err)
					return
				}
				submittedChainsTotal.Add(float64(len(req.Chains)))
				writeJSON(w, http.StatusAccepted, resp)
				logOutcome(r, "submit", http.StatusAccepted, start, nil)
			})

			r.Put("/vars/{name}", func(w http.ResponseWriter, r *http.Request) {
				start := time.Now()
				sid, ok := sessionID(w, r)
				if !ok {
					return
				}
				var req types.SetVarRequest
				if !decodeJSON(w, r, &req) {
					return
				}
				resp, err := svc.SetVar(sid, chi.URLParam(r, "name"), req.Content)
				if err != nil {
					fail(w, r, "set_var", start, err)
					return
				}
				writeJSON(w, http.StatusOK, resp)
				logOutcome(r, "set_var", http.StatusOK, start, nil)
			})

			r.Get("/vars/{name}", func(w http.ResponseWriter, r *http.Request) {
				start := time.Now()
				sid, ok := sessionID(w, r)
				if !ok {
					return
				}
				wait := r.URL.Query().Get("wait")
				blocking := wait == "1" || wait == "true"
				ctx, cancel := waitContext(r.Context())
				defer cancel()
				if blocking {
					varWaiters.Inc()
				}
				resp, err := svc.GetVar(ctx, sid, chi.URLParam(r, "name"), blocking)
				if blocking {
					varWaiters.Dec()
				}
				if err != nil {
					if clientGone(r.Context()) {
						observeOp("get_var", 499)
						return
					}
					fail(w, r, "get_var", start, err)
					return
				}
				writeJSON(w, http.StatusOK, resp)
				logOutcome(r, "get_var", http.StatusOK, start, nil)
			})
		})
	})

	r.Post("/register_engine", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var req types.RegisterEngineRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		id, err := svc.RegisterEngine(req.EngineConfig)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			logOutcome(r, "register_engine", http.StatusBadRequest, start, err)
			return
		}
		writeJSON(w, http.StatusOK, types.RegisterEngineResponse{EngineID: id})
		logOutcome(r, "register_engine", http.StatusOK, start, nil)
	})

	r.Post("/engine_heartbeat", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var req types.EngineHeartbeatRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := svc.EngineHeartbeat(req); err != nil {
			fail(w, r, "engine_heartbeat", start, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// sessionID parses the {sid} path parameter, answering 400 when malformed.
func sessionID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "sid"))
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

// decodeJSON enforces the JSON content type and body limit before decoding.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Oversized bodies surface here too; report them as malformed.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, r *http.Request, op string, start time.Time, err error) {
	status := statusFor(err)
	writeJSONError(w, status, err.Error())
	logOutcome(r, op, status, start, err)
}
