package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"dnswarden/internal/auth"
	"dnswarden/internal/database"
	"dnswarden/internal/jobs/monitor"
	"dnswarden/internal/voting"
)

const shutdownTimeout = 10 * time.Second

// Server exposes health probes, metrics and the domain and vote API.
type Server struct {
	store       *database.Store
	monitor     *monitor.Monitor
	coordinator *voting.Coordinator
	auth        *auth.Authenticator
}

func New(store *database.Store, mon *monitor.Monitor, coordinator *voting.Coordinator, authenticator *auth.Authenticator) *Server {
	if authenticator == nil {
		authenticator = auth.New("")
	}
	return &Server{
		store:       store,
		monitor:     mon,
		coordinator: coordinator,
		auth:        authenticator,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler builds the complete router.
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("GET /health", s.health)
	router.HandleFunc("GET /ready", s.ready)
	router.HandleFunc("GET /metrics", s.metrics)
	router.HandleFunc("GET /version", getVersion)

	router.Handle("GET /api/domains", s.auth.RequireAuth(http.HandlerFunc(s.listDomains)))
	router.Handle("POST /api/domains", s.auth.IsAdmin(http.HandlerFunc(s.addDomain)))
	router.Handle("DELETE /api/domains", s.auth.IsAdmin(http.HandlerFunc(s.removeAllDomains)))
	router.Handle("POST /api/domains/bulk", s.auth.IsAdmin(http.HandlerFunc(s.addDomains)))
	router.Handle("DELETE /api/domains/bulk", s.auth.IsAdmin(http.HandlerFunc(s.removeDomains)))
	router.Handle("DELETE /api/domains/{name}", s.auth.IsAdmin(http.HandlerFunc(s.removeDomain)))
	router.Handle("GET /api/domains/{name}/check", s.auth.RequireAuth(http.HandlerFunc(s.checkDomain)))
	router.Handle("GET /api/domains/{name}/history", s.auth.RequireAuth(http.HandlerFunc(s.domainHistory)))
	router.Handle("GET /api/domains/{name}/known", s.auth.RequireAuth(http.HandlerFunc(s.knownAddresses)))

	router.Handle("POST /api/votes", s.auth.RequireWrite(http.HandlerFunc(s.castVote)))
	router.Handle("GET /api/votes/pending", s.auth.RequireAuth(http.HandlerFunc(s.pendingVotes)))
	router.Handle("POST /api/votes/resolve-pending", s.auth.IsAdmin(http.HandlerFunc(s.resolvePending)))
	router.Handle("POST /api/votes/{id}/resolve", s.auth.IsAdmin(http.HandlerFunc(s.resolveVote)))

	router.Handle("GET /api/notifications", s.auth.RequireAuth(http.HandlerFunc(s.listNotifications)))

	return enableCORS(router)
}

// Serve listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting dnswarden API on port :%d", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return <-errCh
}
