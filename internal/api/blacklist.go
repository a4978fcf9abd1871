package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/storage"
)

const manualSource = "MANUAL"

type manualAddRequest struct {
	IPAddress string `json:"ip_address"`
	Reason    string `json:"reason,omitempty"`
	Country   string `json:"country,omitempty"`
}

// handleManualAdd inserts one operator-supplied entry under the MANUAL
// source. A duplicate answers 409 with the conflicting IP echoed.
func (s *Server) handleManualAdd(w http.ResponseWriter, r *http.Request) {
	var req manualAddRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "validation", "malformed JSON body", nil)
		return
	}
	if net.ParseIP(req.IPAddress) == nil {
		respondError(w, r, http.StatusBadRequest, "validation", "ip_address must be a valid IP literal", nil)
		return
	}

	now := time.Now()
	rec := core.NormalizedRecord{
		IPAddress:     req.IPAddress,
		Source:        manualSource,
		Country:       req.Country,
		Reason:        req.Reason,
		Confidence:    100,
		DetectionDate: &now,
		IsActive:      true,
		RawPayload:    []byte(fmt.Sprintf(`{"ip":%q,"source":%q,"added_at":%q}`, req.IPAddress, manualSource, now.UTC().Format(time.RFC3339))),
	}

	err := s.deps.Repo.ManualAdd(r.Context(), rec)
	if errors.Is(err, storage.ErrDuplicate) {
		respondError(w, r, http.StatusConflict, "duplicate",
			"IP is already blacklisted", map[string]string{"ip_address": req.IPAddress})
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "database", "manual add failed", nil)
		return
	}

	s.deps.Decisions.Invalidate(r.Context(), req.IPAddress)
	respond(w, r, http.StatusCreated, map[string]string{
		"ip_address": req.IPAddress,
		"source":     manualSource,
	})
}

// handleCheck answers the operator form of the decision check. GET takes
// ?ip=, POST takes {"ip": "..."}; both run the same verdict path.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if r.Method == http.MethodPost {
		var body struct {
			IP string `json:"ip"`
		}
		if err := decodeJSON(r, &body); err != nil {
			respondError(w, r, http.StatusBadRequest, "validation", "malformed JSON body", nil)
			return
		}
		ip = body.IP
	}
	if net.ParseIP(ip) == nil {
		respondError(w, r, http.StatusBadRequest, "validation", "ip must be a valid IP literal", nil)
		return
	}

	verdict := s.deps.Decisions.CheckBlacklist(r.Context(), ip)
	respond(w, r, http.StatusOK, map[string]interface{}{
		"ip":       ip,
		"blocked":  verdict.Blocked,
		"reason":   verdict.Reason,
		"metadata": verdict.Metadata,
	})
}

// handleListBlocked pages through every stored entry, active or not.
func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 50)
	if page < 1 || perPage < 1 || perPage > 1000 {
		respondError(w, r, http.StatusBadRequest, "validation", "invalid pagination parameters", nil)
		return
	}

	entries, total, err := s.deps.Repo.ListBlocked(r.Context(), page, perPage)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "database", "list query failed", nil)
		return
	}
	respond(w, r, http.StatusOK, map[string]interface{}{
		"entries":    entries,
		"pagination": newPagination(page, perPage, total),
	})
}

// handleDeleteBlocked removes an address from every source.
func (s *Server) handleDeleteBlocked(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	if net.ParseIP(ip) == nil {
		respondError(w, r, http.StatusBadRequest, "validation", "ip must be a valid IP literal", nil)
		return
	}

	err := s.deps.Repo.DeleteBlocked(r.Context(), ip)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "not_found", "IP is not blacklisted", map[string]string{"ip_address": ip})
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "database", "delete failed", nil)
		return
	}

	s.deps.Decisions.Invalidate(r.Context(), ip)
	respond(w, r, http.StatusOK, map[string]string{"ip_address": ip, "status": "deleted"})
}

// handleExportCSV streams the active view with provenance columns.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Repo.ActiveEntries(r.Context(), storage.EntryFilter{})
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "database", "export query failed", nil)
		return
	}

	filename := "blacklist-" + time.Now().UTC().Format("20060102-150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"ip_address", "source", "country", "reason", "confidence",
		"detection_count", "detection_date", "removal_date", "is_active"})
	for _, e := range entries {
		_ = cw.Write([]string{
			e.IPAddress,
			e.Source,
			e.Country,
			e.Reason,
			strconv.Itoa(e.Confidence),
			strconv.Itoa(e.DetectionCount),
			csvDate(e.DetectionDate),
			csvDate(e.RemovalDate),
			strconv.FormatBool(e.IsActive),
		})
	}
	cw.Flush()
}

func csvDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
