package httpapi

import (
	"errors"
	"net/http"

	"netgrant/internal/models"
	"netgrant/internal/services"

	"github.com/go-chi/chi/v5"
)

// POST /v1/sweeps/expiry
func (s *Server) RunExpirySweep(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Sweeper.SweepExpired(r.Context(), s.now())
	if err != nil {
		s.logger(r).Error("expiry sweep failed", "error", err)
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// POST /v1/sweeps/backfill
func (s *Server) RunBackfill(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Backfill.BackfillMissingGrants(r.Context(), s.now())
	if err != nil {
		s.logger(r).Error("backfill failed", "error", err)
		http.Error(w, "backfill failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// POST /v1/sessions/{sessionId}/revoke
func (s *Server) RevokeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	sess, revoked, err := s.Sweeper.RevokeSession(r.Context(), id, s.now())
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			http.NotFound(w, r)
			return
		}
		if errors.Is(err, services.ErrBindingBusy) {
			http.Error(w, "client binding busy, retry", http.StatusConflict)
			return
		}
		s.logger(r).Error("revoke session failed", "session_id", id, "error", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "gatewayRevoked": revoked})
}

func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	sess, err := s.Sessions.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type orderResp struct {
	models.Order
	Sessions []models.Session `json:"sessions"`
}

func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "externalReference")
	o, err := s.Orders.FindByExternalRef(r.Context(), ref)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if o == nil {
		http.NotFound(w, r)
		return
	}
	sessions, err := s.Sessions.ListByOrder(r.Context(), o.OrderId)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, orderResp{Order: *o, Sessions: sessions})
}

func (s *Server) ListGateways(w http.ResponseWriter, r *http.Request) {
	items, err := s.Gateways.List(r.Context())
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.Gateway{}
	}
	writeJSON(w, http.StatusOK, items)
}
