package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"dnswarden/internal/auth"
	"dnswarden/internal/database"
	"dnswarden/internal/domain"
	"dnswarden/internal/jobs/monitor"
	"dnswarden/internal/support"
)

type addDomainRequest struct {
	Name   string `json:"domain"`
	Static bool   `json:"is_static"`
}

type addDomainResponse struct {
	Domain    domain.Domain `json:"domain"`
	Addresses []string      `json:"ip_addresses"`
	Resolved  bool          `json:"resolved"`
	Seeded    int           `json:"known_addresses_seeded"`
	Error     string        `json:"error,omitempty"`
}

// bulkDomainRequest accepts names as list entries, comma-separated, or both.
type bulkDomainRequest struct {
	Domains []string `json:"domains"`
	Static  bool     `json:"is_static"`
}

func (r bulkDomainRequest) names() []string {
	var out []string
	for _, entry := range r.Domains {
		out = append(out, support.SplitList(entry)...)
	}
	return out
}

func (s *Server) listDomains(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.monitor.ListDomains(r.Context())
	if err != nil {
		log.Error("Failed to list domains", "error", err)
		writeError(w, "Failed to list domains", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) addDomain(w http.ResponseWriter, r *http.Request) {
	var req addDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.monitor.AddDomain(r.Context(), req.Name, req.Static, auth.SubjectFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, addDomainResponse{
		Domain:    result.Domain,
		Addresses: result.Addresses,
		Resolved:  result.Resolved,
		Seeded:    result.Seeded,
		Error:     result.Error,
	})
}

func (s *Server) removeDomain(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.RemoveDomain(r.Context(), r.PathValue("name")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addDomains(w http.ResponseWriter, r *http.Request) {
	var req bulkDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := s.monitor.AddDomains(r.Context(), req.names(), req.Static, auth.SubjectFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) removeDomains(w http.ResponseWriter, r *http.Request) {
	var req bulkDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := s.monitor.RemoveDomains(r.Context(), req.names())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// removeAllDomains needs ?confirm=yes; without it nothing is removed and the
// caller learns how many domains would be.
func (s *Server) removeAllDomains(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.URL.Query().Get("confirm"), "yes") {
		domains, err := s.store.GetActiveDomains(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusPreconditionRequired, map[string]any{
			"error":   "Removing every domain requires confirm=yes",
			"domains": len(domains),
		})
		return
	}

	report, err := s.monitor.RemoveAllDomains(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) checkDomain(w http.ResponseWriter, r *http.Request) {
	result, err := s.monitor.CheckOnce(r.Context(), r.PathValue("name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) domainHistory(w http.ResponseWriter, r *http.Request) {
	entity, err := s.store.GetDomainByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}

	history, err := s.store.GetDNSHistory(r.Context(), entity.ID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) knownAddresses(w http.ResponseWriter, r *http.Request) {
	entity, err := s.store.GetDomainByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	entries, err := s.store.GetKnownAddresses(r.Context(), entity.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidDomainName),
		errors.Is(err, monitor.ErrBulkEmpty),
		errors.Is(err, monitor.ErrBulkTooLarge):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, database.ErrDomainNotFound):
		writeError(w, "Domain not found", http.StatusNotFound)
	case errors.Is(err, database.ErrDomainExists):
		writeError(w, "Domain is already monitored", http.StatusConflict)
	default:
		log.Error("Domain request failed", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}
