package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/TimurManjosov/qualiopigate/internal/audit"
	"github.com/TimurManjosov/qualiopigate/internal/guard"
	"github.com/TimurManjosov/qualiopigate/internal/session"
)

// blockedResponse is the 403 body of /v1/checkout/authorize.
type blockedResponse struct {
	ErrorResponse
	Pending     []guard.Pending `json:"pending"`
	RedirectURL *string         `json:"redirect_url"`
}

type testURLResponse struct {
	ProductID int64   `json:"product_id"`
	Active    bool    `json:"active"`
	TestURL   *string `json:"test_url"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	req, ok := s.checkRequest(w, r)
	if !ok {
		return
	}
	res, err := s.guard.Check(r.Context(), req)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("checkout decision failed")
		ServiceUnavailableError(w, r, "Validation state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAuthorize is the payment gate: 204 lets the order through, anything
// else stops it. Store failures block. A token that lets the order through
// is spent.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, ok := s.checkRequest(w, r)
	if !ok {
		return
	}
	res, err := s.guard.Authorize(r.Context(), req)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("checkout authorization failed")
		ServiceUnavailableError(w, r, "Validation state unavailable")
		return
	}
	if res.Allowed {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body := blockedResponse{
		ErrorResponse: *NewErrorResponse(http.StatusForbidden, ErrCodeCheckoutBlocked,
			fmt.Sprintf("%d product(s) require a positioning test", len(res.Pending))),
		Pending:     res.Pending,
		RedirectURL: res.RedirectURL,
	}
	body.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, http.StatusForbidden, body)
}

func (s *Server) checkRequest(w http.ResponseWriter, r *http.Request) (guard.CheckRequest, bool) {
	var req guard.CheckRequest
	if !decodeJSON(w, r, &req) {
		return req, false
	}
	fields := map[string]string{}
	if req.SessionID != "" && !session.ValidID(req.SessionID) {
		fields["session_id"] = "Session ID must be 1-128 characters of [A-Za-z0-9_-]"
	}
	for _, pid := range req.ProductIDs {
		if pid < 0 {
			fields["product_ids"] = "Product IDs must not be negative"
			break
		}
	}
	switch req.Stage {
	case "", guard.StageCheckout, guard.StageCart:
	default:
		fields["stage"] = "Stage must be 'checkout' or 'cart'"
	}
	if len(fields) > 0 {
		ValidationError(w, r, "Invalid checkout request", fields)
		return req, false
	}
	return req, true
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req guard.CompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.guard.Complete(r.Context(), req)
	if err != nil {
		if errors.Is(err, guard.ErrInvalidRequest) {
			BadRequestError(w, r, ErrCodeValidation, err.Error())
			return
		}
		s.logger.Error().Err(err).Int64("product_id", req.ProductID).Msg("test completion failed")
		ServiceUnavailableError(w, r, "Could not record test completion")
		return
	}

	s.record(audit.NewEventBuilder(r).
		OfType(audit.TypeTestCompleted).
		ForResource(audit.ResourceTypeValidation, fmt.Sprintf("%d:%d", req.UserID, req.ProductID)).
		WithAfterState(map[string]any{
			"session_id": req.SessionID,
			"user_id":    req.UserID,
			"product_id": req.ProductID,
			"expires_at": res.ExpiresAt,
		}).
		Build())

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTestURL(w http.ResponseWriter, r *http.Request) {
	pid, ok := productIDParam(w, r)
	if !ok {
		return
	}
	m := s.cache.Load().Lookup(pid)
	writeJSON(w, http.StatusOK, testURLResponse{ProductID: pid, Active: m.Active, TestURL: m.TestPageURL})
}
