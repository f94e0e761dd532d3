// Package httpapi serves the panel's HTTP surface: the snapshot endpoint, the
// WebSocket stream, avatar resolution and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/bnt0p/st-poor-webpanel/avatar"
	"github.com/bnt0p/st-poor-webpanel/hub"
	"github.com/bnt0p/st-poor-webpanel/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	shutdownGrace  = 5 * time.Second
	avatarDeadline = 15 * time.Second
	maxBatchIDs    = 500
)

// Server wires HTTP handlers to the hub and the avatar resolver.
type Server struct {
	source   hub.Source
	loop     *hub.Loop
	resolver *avatar.Resolver
	metrics  *metrics.Metrics
}

// New builds a server. resolver and m may be nil; the matching endpoints
// then answer 503 and 404 respectively.
func New(source hub.Source, loop *hub.Loop, resolver *avatar.Resolver, m *metrics.Metrics) *Server {
	return &Server{source: source, loop: loop, resolver: resolver, metrics: m}
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /servers/list", s.handleServers)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /avatar/{steamid}", s.handleAvatar)
	mux.HandleFunc("GET /avatars", s.handleAvatars)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return withCORS(mux)
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP: listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpapi: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP: shutdown: %v", err)
		}
		return nil
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	snap := s.source.BuildSnapshot(r.Context())
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "avatar resolver disabled")
		return
	}
	id := strings.TrimSpace(r.PathValue("steamid"))
	ctx, cancel := context.WithTimeout(r.Context(), avatarDeadline)
	defer cancel()

	res, err := s.resolver.Resolve(ctx, id, parseBool(r.URL.Query().Get("force")))
	if err != nil {
		writeError(w, avatarStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchResponse struct {
	Avatars []avatar.Result `json:"avatars"`
	Missing []string        `json:"missing"`
}

func (s *Server) handleAvatars(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "avatar resolver disabled")
		return
	}
	raw := r.URL.Query().Get("ids")
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	if len(ids) > maxBatchIDs {
		writeError(w, http.StatusBadRequest, "too many ids (max "+strconv.Itoa(maxBatchIDs)+")")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), avatarDeadline)
	defer cancel()

	results, missing, err := s.resolver.ResolveMany(ctx, ids, parseBool(r.URL.Query().Get("force")))
	if err != nil {
		writeError(w, avatarStatus(err), err.Error())
		return
	}
	if results == nil {
		results = []avatar.Result{}
	}
	if missing == nil {
		missing = []string{}
	}
	writeJSON(w, http.StatusOK, batchResponse{Avatars: results, Missing: missing})
}

func avatarStatus(err error) int {
	switch {
	case errors.Is(err, avatar.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, avatar.ErrNotConfigured):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("HTTP: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
