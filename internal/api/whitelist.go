package api

import (
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/storage"
)

// handleListWhitelist returns every whitelist entry.
func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Repo.ListWhitelist(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "database", "whitelist query failed", nil)
		return
	}
	respond(w, r, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

type whitelistRequest struct {
	IPAddress string `json:"ip_address"`
	Country   string `json:"country,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// handleUpsertWhitelist adds or re-activates an override entry. The
// cache keys for the address drop immediately so the next check sees it.
func (s *Server) handleUpsertWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "validation", "malformed JSON body", nil)
		return
	}
	if net.ParseIP(req.IPAddress) == nil {
		respondError(w, r, http.StatusBadRequest, "validation", "ip_address must be a valid IP literal", nil)
		return
	}

	entry := core.WhitelistEntry{
		IPAddress: req.IPAddress,
		Country:   req.Country,
		Reason:    req.Reason,
		Source:    manualSource,
		IsActive:  true,
	}
	if err := s.deps.Repo.UpsertWhitelist(r.Context(), entry); err != nil {
		respondError(w, r, http.StatusInternalServerError, "database", "whitelist write failed", nil)
		return
	}

	s.deps.Decisions.Invalidate(r.Context(), req.IPAddress)
	respond(w, r, http.StatusCreated, map[string]string{"ip_address": req.IPAddress, "status": "whitelisted"})
}

// handleDeleteWhitelist deactivates an override entry.
func (s *Server) handleDeleteWhitelist(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	if net.ParseIP(ip) == nil {
		respondError(w, r, http.StatusBadRequest, "validation", "ip must be a valid IP literal", nil)
		return
	}

	err := s.deps.Repo.DeleteWhitelist(r.Context(), ip)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "not_found", "IP is not whitelisted", map[string]string{"ip_address": ip})
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "database", "whitelist delete failed", nil)
		return
	}

	s.deps.Decisions.Invalidate(r.Context(), ip)
	respond(w, r, http.StatusOK, map[string]string{"ip_address": ip, "status": "removed"})
}
