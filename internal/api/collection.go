package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/normalize"
	"github.com/jclee-lab/blacklist-sub001/internal/regtech"
	"github.com/jclee-lab/blacklist-sub001/internal/scheduler"
)

const ingestBatchSize = 500

type triggerRequest struct {
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	Source    string `json:"source,omitempty"`
}

// handleTrigger starts one manual collection run and waits for it.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, http.StatusBadRequest, "validation", "malformed JSON body", nil)
			return
		}
	}
	if !validDateParam(req.StartDate) || !validDateParam(req.EndDate) {
		respondError(w, r, http.StatusBadRequest, "validation", "dates must be YYYY-MM-DD", nil)
		return
	}
	source := req.Source
	if source == "" {
		source = regtech.SourceName
	}

	run, err := s.deps.Scheduler.Trigger(r.Context(), source, core.CollectRange{
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	})
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, run)
}

// handleForce starts a one-shot full sweep with the hard page cap.
func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Scheduler.Force(r.Context(), mux.Vars(r)["source"])
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, run)
}

// handleTestAuth exercises the portal login without collecting.
func (s *Server) handleTestAuth(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	err := s.deps.Scheduler.TestAuth(r.Context(), source)
	if errors.Is(err, scheduler.ErrUnknownSource) {
		respondError(w, r, http.StatusNotFound, "not_found", "unknown source", map[string]string{"source": source})
		return
	}
	if err != nil {
		respond(w, r, http.StatusOK, map[string]interface{}{
			"source":        source,
			"authenticated": false,
			"error":         err.Error(),
		})
		return
	}
	respond(w, r, http.StatusOK, map[string]interface{}{
		"source":        source,
		"authenticated": true,
	})
}

// handleHistory lists the collection ledger, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, r, http.StatusBadRequest, "validation", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	runs, err := s.deps.Repo.ListRuns(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "database", "history query failed", nil)
		return
	}
	respond(w, r, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleIngest accepts an agent push: validate, normalize, upsert in
// fixed-size batches. Item-level problems are counted, never abort the
// call. Auth is enforced by the APIKey middleware on this route.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req core.IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "validation", "malformed JSON body", nil)
		return
	}
	if req.ServiceName == "" {
		respondError(w, r, http.StatusBadRequest, "validation", "service_name is required", nil)
		return
	}
	if len(req.Items) == 0 {
		respondError(w, r, http.StatusBadRequest, "validation", "items must not be empty", nil)
		return
	}

	parsed := make([]core.ParsedRecord, 0, len(req.Items))
	for _, item := range req.Items {
		parsed = append(parsed, ingestToParsed(item, req.ServiceName))
	}

	result := normalize.Records(parsed, time.Now())
	stats := core.IngestStats{Total: len(req.Items)}
	stats.Errors = result.Stats.Total - result.Stats.Accepted

	if len(result.Records) > 0 {
		upserted, err := s.deps.Repo.UpsertBatch(r.Context(), result.Records, ingestBatchSize)
		if err != nil {
			respondError(w, r, http.StatusInternalServerError, "database", "ingest upsert failed", nil)
			return
		}
		stats.Inserted = upserted.NewCount
		stats.Updated = upserted.UpdatedCount
		stats.Errors += upserted.Total - upserted.NewCount - upserted.UpdatedCount
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   stats,
	})
}

// ingestToParsed maps one agent item onto the collector record shape so
// the same normalization pipeline applies.
func ingestToParsed(item core.IngestItem, service string) core.ParsedRecord {
	source := item.Source
	if source == "" {
		source = service
	}
	reason := item.Description
	if reason == "" {
		reason = item.ThreatType
	}
	confidence := item.Severity
	if v, ok := item.Metadata["confidence_level"].(string); ok && v != "" {
		confidence = v
	}

	rec := core.ParsedRecord{
		IPAddress:  item.IPAddress,
		Source:     source,
		Country:    item.CountryCode,
		Reason:     reason,
		Confidence: confidence,
		Raw:        item.Metadata,
	}
	if t, ok := regtech.ParseDate(item.FirstSeen); ok {
		rec.DetectionDate = &t
	}
	if v, ok := item.Metadata["removal_date"].(string); ok {
		if t, ok := regtech.ParseDate(v); ok {
			rec.RemovalDate = &t
		}
	}
	return rec
}

func (s *Server) respondSchedulerError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, scheduler.ErrUnknownSource) {
		respondError(w, r, http.StatusNotFound, "not_found", "unknown source", nil)
		return
	}
	respondError(w, r, http.StatusInternalServerError, "collection", err.Error(), nil)
}

func validDateParam(s string) bool {
	if s == "" {
		return true
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}
