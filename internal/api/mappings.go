package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/TimurManjosov/qualiopigate/internal/audit"
	"github.com/TimurManjosov/qualiopigate/internal/mapping"
)

type mappingRequest struct {
	ProductID int64  `json:"product_id,omitempty"`
	PageID    int64  `json:"page_id"`
	TestURL   string `json:"test_url"`
	FormID    *int64 `json:"form_id,omitempty"`
	Active    *bool  `json:"active,omitempty"` // defaults to true
	Notes     string `json:"notes,omitempty"`
}

type mappingListResponse struct {
	Mappings []mapping.Entry `json:"mappings"`
	ETag     string          `json:"etag"`
}

type mappingResponse struct {
	Mapping mapping.Entry `json:"mapping"`
	ETag    string        `json:"etag"`
}

type importResponse struct {
	Imported int    `json:"imported"`
	Mode     string `json:"mode"`
	ETag     string `json:"etag"`
}

const (
	importReplace = "replace"
	importMerge   = "merge"
)

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	entries, err := s.mappings.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list mappings failed")
		InternalError(w, r, "Failed to list mappings")
		return
	}
	if q := r.URL.Query().Get("q"); q != "" {
		entries = mapping.Search(entries, q)
	}
	etag := s.cache.Load().ETag
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, mappingListResponse{Mappings: entries, ETag: etag})
}

func (s *Server) handleMappingStats(w http.ResponseWriter, r *http.Request) {
	entries, err := s.mappings.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list mappings failed")
		InternalError(w, r, "Failed to compute mapping stats")
		return
	}
	writeJSON(w, http.StatusOK, mapping.ComputeStats(entries))
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	pid, ok := productIDParam(w, r)
	if !ok {
		return
	}
	e, err := s.mappings.Get(r.Context(), pid)
	if errors.Is(err, mapping.ErrNotFound) {
		NotFoundError(w, r, fmt.Sprintf("No mapping for product %d", pid))
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("product_id", pid).Msg("get mapping failed")
		InternalError(w, r, "Failed to load mapping")
		return
	}
	writeJSON(w, http.StatusOK, mappingResponse{Mapping: *e, ETag: s.cache.Load().ETag})
}

func (s *Server) handlePutMapping(w http.ResponseWriter, r *http.Request) {
	pid, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req mappingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProductID != 0 && req.ProductID != pid {
		ValidationError(w, r, "Invalid mapping", map[string]string{
			"product_id": "Product ID in body does not match the URL",
		})
		return
	}

	entry := mapping.Entry{
		ProductID:   pid,
		PageID:      req.PageID,
		TestPageURL: req.TestURL,
		FormID:      req.FormID,
		Active:      req.Active == nil || *req.Active,
		Notes:       req.Notes,
	}
	if v := mapping.Validate(entry); !v.Valid {
		ValidationError(w, r, "Invalid mapping", v.Errors)
		return
	}

	ctx := r.Context()
	before, err := s.mappings.Get(ctx, pid)
	if err != nil && !errors.Is(err, mapping.ErrNotFound) {
		s.logger.Error().Err(err).Int64("product_id", pid).Msg("get mapping failed")
		InternalError(w, r, "Failed to load mapping")
		return
	}

	ev := audit.NewEventBuilder(r).
		OfType(audit.TypeMappingUpdated).
		ForResource(audit.ResourceTypeMapping, strconv.FormatInt(pid, 10)).
		WithBeforeState(entryState(before)).
		WithAfterState(entryState(&entry))

	if err := s.mappings.Upsert(ctx, entry); err != nil {
		s.record(ev.Failure(err.Error()).Build())
		s.logger.Error().Err(err).Int64("product_id", pid).Msg("upsert mapping failed")
		InternalError(w, r, "Failed to save mapping")
		return
	}
	snap, err := s.cache.Rebuild(ctx, s.mappings)
	if err != nil {
		s.logger.Error().Err(err).Msg("snapshot rebuild failed")
		InternalError(w, r, "Mapping saved but snapshot rebuild failed")
		return
	}
	s.record(ev.Build())

	writeJSON(w, http.StatusOK, mappingResponse{Mapping: snap.Entries[pid], ETag: snap.ETag})
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	pid, ok := productIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	before, err := s.mappings.Get(ctx, pid)
	if errors.Is(err, mapping.ErrNotFound) {
		NotFoundError(w, r, fmt.Sprintf("No mapping for product %d", pid))
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("product_id", pid).Msg("get mapping failed")
		InternalError(w, r, "Failed to load mapping")
		return
	}

	if err := s.mappings.Delete(ctx, pid); err != nil {
		s.logger.Error().Err(err).Int64("product_id", pid).Msg("delete mapping failed")
		InternalError(w, r, "Failed to delete mapping")
		return
	}
	if _, err := s.cache.Rebuild(ctx, s.mappings); err != nil {
		s.logger.Error().Err(err).Msg("snapshot rebuild failed")
		InternalError(w, r, "Mapping deleted but snapshot rebuild failed")
		return
	}

	s.record(audit.NewEventBuilder(r).
		OfType(audit.TypeMappingDeleted).
		ForResource(audit.ResourceTypeMapping, strconv.FormatInt(pid, 10)).
		WithBeforeState(entryState(before)).
		Build())

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportMappings(w http.ResponseWriter, r *http.Request) {
	entries, err := s.mappings.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list mappings failed")
		InternalError(w, r, "Failed to export mappings")
		return
	}
	name := fmt.Sprintf("wcqs-mappings-%s.csv", s.clock.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("ETag", s.cache.Load().ETag)
	if err := mapping.WriteCSV(w, entries); err != nil {
		s.logger.Error().Err(err).Msg("write csv failed")
	}
}

// handleImportMappings loads a CSV document. The whole file is rejected when
// any line is invalid. mode=replace (default) swaps the document, mode=merge
// upserts the listed products only.
func (s *Server) handleImportMappings(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = importReplace
	}
	if mode != importReplace && mode != importMerge {
		BadRequestError(w, r, ErrCodeBadRequest, "mode must be 'replace' or 'merge'")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RequestTooLargeError(w, r, "CSV file exceeds 1 MiB")
			return
		}
		BadRequestError(w, r, ErrCodeBadRequest, "Failed to read request body")
		return
	}
	res, err := mapping.ReadCSV(bytes.NewReader(raw))
	if err != nil {
		BadRequestError(w, r, ErrCodeInvalidCSV, err.Error())
		return
	}
	if len(res.Errors) > 0 {
		fields := make(map[string]string, len(res.Errors))
		for i, msg := range res.Errors {
			fields[strconv.Itoa(i)] = msg
		}
		errResp := NewErrorResponse(http.StatusBadRequest, ErrCodeInvalidCSV,
			fmt.Sprintf("%d invalid line(s), nothing imported", len(res.Errors))).WithFields(fields)
		writeErrorResponse(w, r, http.StatusBadRequest, errResp)
		return
	}

	ctx := r.Context()
	ev := audit.NewEventBuilder(r).
		OfType(audit.TypeMappingImported).
		ForResource(audit.ResourceTypeMapping, "*").
		WithAfterState(map[string]any{"count": len(res.Entries), "mode": mode})

	var applyErr error
	if mode == importReplace {
		applyErr = s.mappings.ReplaceAll(ctx, res.Entries)
	} else {
		for _, e := range res.Entries {
			if applyErr = s.mappings.Upsert(ctx, e); applyErr != nil {
				break
			}
		}
	}
	if applyErr != nil {
		s.record(ev.Failure(applyErr.Error()).Build())
		s.logger.Error().Err(applyErr).Str("mode", mode).Msg("import mappings failed")
		InternalError(w, r, "Failed to import mappings")
		return
	}

	snap, err := s.cache.Rebuild(ctx, s.mappings)
	if err != nil {
		s.logger.Error().Err(err).Msg("snapshot rebuild failed")
		InternalError(w, r, "Mappings imported but snapshot rebuild failed")
		return
	}
	s.record(ev.Build())
	s.logger.Info().Int("count", len(res.Entries)).Str("mode", mode).Msg("mappings imported")

	writeJSON(w, http.StatusOK, importResponse{Imported: len(res.Entries), Mode: mode, ETag: snap.ETag})
}

func entryState(e *mapping.Entry) map[string]any {
	if e == nil {
		return nil
	}
	state := map[string]any{
		"product_id": e.ProductID,
		"page_id":    e.PageID,
		"test_url":   e.TestPageURL,
		"active":     e.Active,
		"notes":      e.Notes,
	}
	if e.FormID != nil {
		state["form_id"] = *e.FormID
	}
	return state
}
