package backend

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parrotd/pkg/types"
)

const maxBodyBytes = 8 << 20

// NewMux exposes the engine primitives over HTTP.
func NewMux(e *Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/fill", func(w http.ResponseWriter, req *http.Request) {
		var body types.FillRequest
		if !decode(w, req, &body) {
			return
		}
		n, err := e.Fill(req.Context(), body)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, types.FillResponse{NumFilledTokens: n})
	})

	r.Post("/generate", func(w http.ResponseWriter, req *http.Request) {
		var body types.GenerateRequest
		if !decode(w, req, &body) {
			return
		}
		stream, wait, err := e.Generate(req.Context(), body)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		for tok := range stream {
			if enc.Encode(types.GenerateChunk{TokenID: tok}) != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		ids, err := wait()
		if err != nil {
			_ = enc.Encode(types.GenerateChunk{Error: err.Error()})
			return
		}
		text, err := e.Detokenize(ids)
		if err != nil {
			_ = enc.Encode(types.GenerateChunk{Error: err.Error()})
			return
		}
		_ = enc.Encode(types.GenerateChunk{Done: true, GeneratedIDs: ids, Text: text})
	})

	r.Post("/free_context", func(w http.ResponseWriter, req *http.Request) {
		var body types.FreeContextRequest
		if !decode(w, req, &body) {
			return
		}
		n, err := e.FreeContext(body.ContextID)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, types.FreeContextResponse{NumFreedTokens: n})
	})

	r.Post("/heartbeat", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, types.HeartbeatResponse{EngineName: e.Config().Name, RuntimeInfo: e.RuntimeInfo()})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// NewServer wraps the mux with the timeouts used by the engine process.
func NewServer(addr string, e *Engine) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewMux(e),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func statusFor(err error) int {
	if IsContextNotFound(err) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: code})
}
