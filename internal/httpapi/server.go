// Package httpapi is the HTTP compatibility shim over the dispatcher: token
// and conversation management, the streaming chat endpoint and the ops
// surface (status, health, metrics).
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llmgated/internal/dispatch"
	"llmgated/pkg/types"
)

// Service defines the dispatcher methods required by the HTTP API layer.
type Service interface {
	RequestToken(callerID string) types.TokenResponse
	RevokeToken(token string) bool
	CreateConversation(token, systemInstruction string, ttl time.Duration) (types.ConversationInfo, error)
	CloseConversation(token, conversationID string) error
	ConversationInfo(token, conversationID string) (types.ConversationInfo, error)
	Chat(ctx context.Context, token, conversationID string, req types.ChatRequest, sink dispatch.Sink)
	Ping(token string) (string, error)
	Load(token string) int64
	Status() types.StatusResponse
	Ready() bool
}

// Admin defines the approval operations exposed on the host-only routes.
type Admin interface {
	Approve(callerID string) (string, bool)
	Deny(callerID string)
	Pending() []string
}

func NewMux(svc Service, adm Admin) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/token", handleRequestToken(svc))
		r.With(requireLoopback).Delete("/token", handleRevokeToken(svc))
		r.Post("/conversations", handleCreateConversation(svc))
		r.Get("/conversations/{id}", handleConversationInfo(svc))
		r.Delete("/conversations/{id}", handleCloseConversation(svc))
		r.Post("/chat/completions", handleChat(svc))
		r.Get("/ping", handlePing(svc))
		r.Get("/load", handleLoad(svc))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireLoopback)
		r.Post("/approve", handleApprove(adm))
		r.Post("/deny", handleDeny(adm))
		r.Get("/pending", handlePending(adm))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
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

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// writeJSON encodes v with a JSON content type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// requireLoopback rejects requests that do not originate on this host.
func requireLoopback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			writeJSONError(w, http.StatusForbidden, "host-only operation")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handlePing(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := svc.Ping(bearerToken(r)); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}
}

func handleLoad(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := svc.Load(bearerToken(r))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strconv.FormatInt(n, 10)))
	}
}
