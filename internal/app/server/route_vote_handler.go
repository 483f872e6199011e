package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"dnswarden/internal/auth"
	"dnswarden/internal/database"
	"dnswarden/internal/notify"
)

type resolveRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

// castVote accepts votes from chat integrations. The voter is the token
// subject, never the request body.
func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	var event notify.VoteEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	event.Voter = auth.SubjectFromRequest(r)

	if err := event.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.coordinator.HandleVoteEvent(r.Context(), event); err != nil {
		writeVoteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) pendingVotes(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListOpenVoteSessions(r.Context())
	if err != nil {
		writeVoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) resolveVote(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, "Invalid vote session id", http.StatusBadRequest)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.coordinator.Resolve(r.Context(), uint(id), req.Approve, req.Reason)
	if err != nil {
		writeVoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) resolvePending(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resolved, err := s.coordinator.ResolvePending(r.Context(), req.Approve)
	if err != nil {
		writeVoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": resolved})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := s.store.ListNotifications(r.Context(), limit)
	if err != nil {
		writeVoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeVoteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrVoteSessionNotFound):
		writeError(w, "Vote session not found", http.StatusNotFound)
	case errors.Is(err, database.ErrVoteSessionResolved):
		writeError(w, "Vote session is already resolved", http.StatusConflict)
	default:
		log.Error("Vote request failed", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}
