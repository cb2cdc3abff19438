package httpapi

import (
	"errors"
	"net/http"

	"netgrant/internal/security"
	"netgrant/internal/services"
)

const maxEventBytes = 1 << 20

type eventResp struct {
	Accepted    bool   `json:"accepted"`
	Outcome     string `json:"outcome"`
	OrderId     string `json:"orderId,omitempty"`
	OrderStatus string `json:"orderStatus,omitempty"`
	SessionId   string `json:"sessionId,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// POST /v1/payments/events
//
// Every event the service took a decision on is answered 200, including no-ops,
// so the provider stops redelivering. 503 asks for a redelivery later.
func (s *Server) IngestPaymentEvent(w http.ResponseWriter, r *http.Request) {
	log := s.logger(r)

	raw, err := readAll(w, r, maxEventBytes)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if s.Cfg.WebhookSecret != "" && !security.VerifySignature(s.Cfg.WebhookSecret, raw, r.Header.Get("X-Signature")) {
		log.Warn("payment event with invalid signature", "remote_addr", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	res, err := s.Payments.Ingest(r.Context(), raw)
	if err != nil {
		if errors.Is(err, services.ErrMalformedEvent) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		log.Error("payment event not processed", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, eventResp{
		Accepted:    res.Accepted(),
		Outcome:     string(res.Outcome),
		OrderId:     res.OrderId,
		OrderStatus: string(res.OrderStatus),
		SessionId:   res.SessionId,
		Detail:      res.Detail,
	})
}
