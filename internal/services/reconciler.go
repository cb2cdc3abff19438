package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"netgrant/internal/models"
	"netgrant/internal/observability/metrics"
)

// ErrMalformedEvent marks an inbound payload that cannot be decoded at all.
var ErrMalformedEvent = errors.New("malformed payment event")

type Outcome string

const (
	OutcomeRejected     Outcome = "rejected"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeConflict     Outcome = "conflict"
	OutcomeTransitioned Outcome = "transitioned"
	OutcomeGranted      Outcome = "granted"
	// OutcomeGrantPending: the order is PAID but has no session yet; backfill retries it.
	OutcomeGrantPending Outcome = "grant_pending"
)

// PaymentEvent is the normalized inbound callback.
type PaymentEvent struct {
	Type              string          `json:"type"`
	ExternalReference string          `json:"externalReference"`
	Status            string          `json:"status"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

type Result struct {
	Outcome     Outcome            `json:"outcome"`
	OrderId     string             `json:"orderId,omitempty"`
	OrderStatus models.OrderStatus `json:"orderStatus,omitempty"`
	SessionId   string             `json:"sessionId,omitempty"`
	Detail      string             `json:"detail,omitempty"`
}

// Accepted reports whether the event source should consider the event delivered.
func (r Result) Accepted() bool { return r.Outcome != OutcomeRejected }

type timer interface{ Stop() bool }

// Reconciler applies payment events to orders and grants access exactly once
// per order that becomes PAID. Safe for concurrent use.
type Reconciler struct {
	Orders  OrderStore
	Events  EventLog
	Granter *Granter
	Log     *slog.Logger
	Now     func() time.Time

	// RecheckDelay is how long to wait before looking for an order that was not
	// visible yet. Zero disables the re-check.
	RecheckDelay time.Duration
	// GrantTimeout bounds the grant workflow, which runs detached from the
	// caller's cancellation.
	GrantTimeout time.Duration

	afterFunc func(d time.Duration, f func()) timer

	mu      sync.Mutex
	pending map[string]timer
	closed  bool
}

func NewReconciler(orders OrderStore, events EventLog, granter *Granter, recheckDelay time.Duration, log *slog.Logger) *Reconciler {
	return &Reconciler{
		Orders:       orders,
		Events:       events,
		Granter:      granter,
		Log:          log,
		RecheckDelay: recheckDelay,
		GrantTimeout: 20 * time.Second,
	}
}

// Ingest decodes the webhook envelope and handles it.
func (r *Reconciler) Ingest(ctx context.Context, raw []byte) (Result, error) {
	var ev PaymentEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Result{Outcome: OutcomeRejected, Detail: "invalid json"}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(ev.Raw) == 0 {
		ev.Raw = json.RawMessage(raw)
	}
	return r.HandlePaymentEvent(ctx, ev)
}

// HandlePaymentEvent applies one event. A non-nil error means the store could
// not be reached and the event was not processed; every other case returns a
// Result the source should treat as delivered (except OutcomeRejected).
func (r *Reconciler) HandlePaymentEvent(ctx context.Context, ev PaymentEvent) (Result, error) {
	res, err := r.handle(ctx, ev, false)
	if err == nil {
		metrics.PaymentEventsTotal.WithLabelValues(string(res.Outcome)).Inc()
	} else {
		metrics.PaymentEventsTotal.WithLabelValues("error").Inc()
	}
	return res, err
}

func (r *Reconciler) handle(ctx context.Context, ev PaymentEvent, recheck bool) (Result, error) {
	ref := strings.TrimSpace(ev.ExternalReference)
	log := r.logger().With("external_reference", ref, "reported_status", ev.Status, "event_type", ev.Type)

	if ref == "" {
		log.Warn("payment event without external reference dropped")
		return Result{Outcome: OutcomeRejected, Detail: "missing externalReference"}, nil
	}

	if !recheck && r.Events != nil {
		payload := []byte(ev.Raw)
		if len(payload) == 0 || !json.Valid(payload) {
			payload, _ = json.Marshal(ev)
		}
		if err := r.Events.InsertRaw(ctx, ref, ev.Status, payload); err != nil {
			return Result{}, fmt.Errorf("record payment event: %w", err)
		}
	}

	status := NormalizeStatus(ev.Status)
	if status == models.PaymentNone {
		log.Debug("non-terminal payment status ignored")
		return Result{Outcome: OutcomeIgnored}, nil
	}
	target := status.OrderStatus()

	order, err := r.Orders.FindByExternalRef(ctx, ref)
	if err != nil {
		return Result{}, fmt.Errorf("find order: %w", err)
	}
	if order == nil {
		if !recheck && r.scheduleRecheck(ev) {
			log.Info("order not visible yet, re-check scheduled", "delay", r.RecheckDelay)
		} else {
			log.Warn("payment event for unknown order")
		}
		return Result{Outcome: OutcomeDeferred, Detail: "order not found"}, nil
	}
	log = log.With("order_id", order.OrderId)

	if order.Status == target {
		log.Debug("duplicate payment event")
		return Result{Outcome: OutcomeDuplicate, OrderId: order.OrderId, OrderStatus: order.Status}, nil
	}
	if order.Status.IsTerminal() {
		return r.conflict(log, *order, target), nil
	}

	now := r.now()
	won, err := r.Orders.CompareAndSetStatus(ctx, order.OrderId, models.OrderPending, target, now)
	if err != nil {
		return Result{}, fmt.Errorf("transition order: %w", err)
	}
	if !won {
		// Another delivery moved the order first.
		cur, err := r.Orders.GetByID(ctx, order.OrderId)
		if err != nil {
			return Result{}, fmt.Errorf("reload order: %w", err)
		}
		if cur == nil || cur.Status == target {
			return Result{Outcome: OutcomeDuplicate, OrderId: order.OrderId, OrderStatus: target}, nil
		}
		return r.conflict(log, *cur, target), nil
	}

	log.Info("order transitioned", "from", models.OrderPending, "to", target)
	if target != models.OrderPaid {
		return Result{Outcome: OutcomeTransitioned, OrderId: order.OrderId, OrderStatus: target}, nil
	}

	order.Status = models.OrderPaid
	order.PaidAt = &now
	return r.grant(ctx, *order), nil
}

func (r *Reconciler) grant(ctx context.Context, order models.Order) Result {
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.grantTimeout())
	defer cancel()

	res := Result{OrderId: order.OrderId, OrderStatus: models.OrderPaid}
	g := r.Granter.Grant(gctx, order)
	if g.Status == GrantNoIdentifier {
		if err := r.Orders.MarkUnactionable(gctx, order.OrderId, r.now()); err != nil {
			r.logger().Error("mark order unactionable", "order_id", order.OrderId, "error", err)
		}
	}
	if g.Status != GrantOK {
		res.Outcome = OutcomeGrantPending
		res.Detail = string(g.Status)
		return res
	}
	res.Outcome = OutcomeGranted
	res.SessionId = g.Session.SessionId
	return res
}

// conflict handles an event whose status disagrees with an order that is already
// terminal. PAID is final; a late PAID on a closed order is left for an operator.
func (r *Reconciler) conflict(log *slog.Logger, order models.Order, target models.OrderStatus) Result {
	if target == models.OrderPaid {
		log.Warn("payment reported for closed order, needs manual reconciliation", "order_status", order.Status)
	} else {
		log.Info("terminal order keeps its status", "order_status", order.Status, "event_status", target)
	}
	return Result{Outcome: OutcomeConflict, OrderId: order.OrderId, OrderStatus: order.Status}
}

// scheduleRecheck arranges a single delayed retry of ev. Returns false when
// re-checks are disabled, the reconciler is closed, or one is already pending.
func (r *Reconciler) scheduleRecheck(ev PaymentEvent) bool {
	if r.RecheckDelay <= 0 {
		return false
	}
	ref := strings.TrimSpace(ev.ExternalReference)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.pending == nil {
		r.pending = make(map[string]timer)
	}
	if _, ok := r.pending[ref]; ok {
		return false
	}
	after := r.afterFunc
	if after == nil {
		after = func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) }
	}
	r.pending[ref] = after(r.RecheckDelay, func() {
		r.mu.Lock()
		delete(r.pending, ref)
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.grantTimeout()+10*time.Second)
		defer cancel()
		res, err := r.handle(ctx, ev, true)
		if err != nil {
			r.logger().Error("payment re-check failed", "external_reference", ref, "error", err)
			metrics.PaymentEventsTotal.WithLabelValues("error").Inc()
			return
		}
		metrics.PaymentEventsTotal.WithLabelValues(string(res.Outcome)).Inc()
		r.logger().Info("payment re-check done", "external_reference", ref, "outcome", res.Outcome)
	})
	return true
}

// Close cancels pending re-checks.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for ref, t := range r.pending {
		t.Stop()
		delete(r.pending, ref)
	}
}

func (r *Reconciler) grantTimeout() time.Duration {
	if r.GrantTimeout > 0 {
		return r.GrantTimeout
	}
	return 20 * time.Second
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}
