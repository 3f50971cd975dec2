package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/TimurManjosov/qualiopigate/internal/audit"
	"github.com/TimurManjosov/qualiopigate/internal/flags"
	"github.com/TimurManjosov/qualiopigate/internal/session"
)

type sessionResponse struct {
	SessionID string            `json:"session_id"`
	Products  []session.Details `json:"products"`
}

type resetRequest struct {
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
	ProductID int64  `json:"product_id"`
}

func (s *Server) handleGetFlags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.flags.All())
}

func (s *Server) handlePutFlags(w http.ResponseWriter, r *http.Request) {
	var req map[string]bool
	if !decodeJSON(w, r, &req) {
		return
	}
	for name := range req {
		if !flags.IsKnown(name) {
			BadRequestError(w, r, ErrCodeUnknownFlag, fmt.Sprintf("Unknown flag %q", name))
			return
		}
	}

	before := s.flags.All()
	if err := s.flags.Apply(req); err != nil {
		BadRequestError(w, r, ErrCodeUnknownFlag, err.Error())
		return
	}
	after := s.flags.All()

	s.record(audit.NewEventBuilder(r).
		OfType(audit.TypeFlagsUpdated).
		ForResource(audit.ResourceTypeFlags, "flags").
		WithBeforeState(boolState(before)).
		WithAfterState(boolState(after)).
		Build())
	s.logger.Info().Interface("flags", after).Msg("flags updated")

	writeJSON(w, http.StatusOK, after)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sessionID")
	if !session.ValidID(sid) {
		BadRequestError(w, r, ErrCodeInvalidSession, "Session ID must be 1-128 characters of [A-Za-z0-9_-]")
		return
	}
	active, err := s.sessions.Active(r.Context(), sid)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sid).Msg("load session failed")
		ServiceUnavailableError(w, r, "Session store unavailable")
		return
	}

	products := make([]session.Details, 0, len(active))
	for _, d := range active {
		products = append(products, d)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ProductID < products[j].ProductID })
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: sid, Products: products})
}

// handleResetValidation forgets a passed test, for support cases where a
// buyer must take it again.
func (s *Server) handleResetValidation(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fields := map[string]string{}
	if req.ProductID <= 0 {
		fields["product_id"] = "Product ID must be positive"
	}
	if req.SessionID == "" && req.UserID <= 0 {
		fields["session_id"] = "Either session_id or user_id is required"
	} else if req.SessionID != "" && !session.ValidID(req.SessionID) {
		fields["session_id"] = "Session ID must be 1-128 characters of [A-Za-z0-9_-]"
	}
	if len(fields) > 0 {
		ValidationError(w, r, "Invalid reset request", fields)
		return
	}

	if err := s.guard.Reset(r.Context(), req.SessionID, req.UserID, req.ProductID); err != nil {
		s.logger.Error().Err(err).Int64("product_id", req.ProductID).Msg("validation reset failed")
		ServiceUnavailableError(w, r, "Could not reset validation")
		return
	}

	s.record(audit.NewEventBuilder(r).
		OfType(audit.TypeValidationReset).
		ForResource(audit.ResourceTypeValidation, fmt.Sprintf("%d:%d", req.UserID, req.ProductID)).
		WithBeforeState(map[string]any{"session_id": req.SessionID, "user_id": req.UserID, "product_id": req.ProductID}).
		Build())

	w.WriteHeader(http.StatusNoContent)
}

func boolState(m map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
