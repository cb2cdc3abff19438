package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"netgrant/internal/lease"
	"netgrant/internal/models"
	"netgrant/internal/observability/metrics"
)

type BackfillReport struct {
	Candidates     int  `json:"candidates"`
	Granted        int  `json:"granted"`
	Pending        int  `json:"pending"`
	Unactionable   int  `json:"unactionable"`
	Unresolved     int  `json:"unresolved"`
	ExpiredPending int  `json:"expiredPending"`
	// Errors counts orders whose store update failed; they are retried next run.
	Errors  int  `json:"errors"`
	Skipped bool `json:"skipped,omitempty"`
}

// Backfill grants access to PAID orders that never got a session, and closes
// PENDING orders that waited too long for a payment.
type Backfill struct {
	Orders   OrderStore
	Granter  *Granter
	Locker   lease.Locker
	LeaseTTL time.Duration
	// Grace keeps backfill away from orders whose webhook grant may still be running.
	Grace         time.Duration
	PendingMaxAge time.Duration
	BatchSize     int
	Log           *slog.Logger

	mu sync.Mutex
	// resume is where a run that hit the batch cap stopped; the next run starts there.
	resume *models.Cursor
}

func (b *Backfill) BackfillMissingGrants(ctx context.Context, now time.Time) (BackfillReport, error) {
	var rep BackfillReport
	release, ok, err := acquire(ctx, b.Locker, leaseBackfill, b.LeaseTTL)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("backfill", "error").Inc()
		return rep, err
	}
	if !ok {
		b.logger().Info("backfill already running, skipped")
		metrics.SweepRunsTotal.WithLabelValues("backfill", "skipped").Inc()
		rep.Skipped = true
		return rep, nil
	}
	defer release()

	if err := b.grantMissing(ctx, now, &rep); err != nil {
		metrics.SweepRunsTotal.WithLabelValues("backfill", "error").Inc()
		return rep, err
	}
	if err := b.expirePending(ctx, now, &rep); err != nil {
		metrics.SweepRunsTotal.WithLabelValues("backfill", "error").Inc()
		return rep, err
	}

	metrics.SweepRunsTotal.WithLabelValues("backfill", "ok").Inc()
	if rep.Candidates > 0 || rep.ExpiredPending > 0 || rep.Errors > 0 {
		b.logger().Info("backfill done",
			"candidates", rep.Candidates,
			"granted", rep.Granted,
			"pending", rep.Pending,
			"unresolved", rep.Unresolved,
			"unactionable", rep.Unactionable,
			"expired_pending", rep.ExpiredPending,
			"errors", rep.Errors,
		)
	}
	return rep, nil
}

// grantMissing walks every PAID order without a session in (paidAt, orderId)
// order, so orders that stay ungrantable never hide newer ones.
func (b *Backfill) grantMissing(ctx context.Context, now time.Time, rep *BackfillReport) error {
	limit := batchSize(b.BatchSize)
	b.mu.Lock()
	after := b.resume
	b.mu.Unlock()

	log := b.logger()
	var next *models.Cursor
	for i := 0; ; i++ {
		if i == maxBatches {
			next = after
			break
		}
		orders, err := b.Orders.ListPaidUngranted(ctx, now.Add(-b.Grace), after, limit)
		if err != nil {
			return fmt.Errorf("list ungranted orders: %w", err)
		}
		for _, o := range orders {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rep.Candidates++
			res := b.Granter.Grant(ctx, o)
			switch res.Status {
			case GrantOK:
				rep.Granted++
			case GrantNoIdentifier:
				if err := b.Orders.MarkUnactionable(ctx, o.OrderId, now); err != nil {
					log.Error("mark order unactionable", "order_id", o.OrderId, "error", err)
					rep.Errors++
					continue
				}
				rep.Unactionable++
			case GrantUnresolved:
				rep.Unresolved++
			default:
				rep.Pending++
			}
			metrics.SweepItemsTotal.WithLabelValues("backfill", string(res.Status)).Inc()
		}
		if len(orders) < limit {
			break
		}
		last := orders[len(orders)-1]
		at := now
		if last.PaidAt != nil {
			at = *last.PaidAt
		}
		after = &models.Cursor{At: at, Id: last.OrderId}
	}

	b.mu.Lock()
	b.resume = next
	b.mu.Unlock()
	return nil
}

func (b *Backfill) expirePending(ctx context.Context, now time.Time, rep *BackfillReport) error {
	if b.PendingMaxAge <= 0 {
		return nil
	}
	limit := batchSize(b.BatchSize)
	var after *models.Cursor
	for i := 0; i < maxBatches; i++ {
		stale, err := b.Orders.ListStalePending(ctx, now.Add(-b.PendingMaxAge), after, limit)
		if err != nil {
			return fmt.Errorf("list stale pending orders: %w", err)
		}
		for _, o := range stale {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			won, err := b.Orders.CompareAndSetStatus(ctx, o.OrderId, models.OrderPending, models.OrderExpired, now)
			if err != nil {
				b.logger().Error("expire pending order", "order_id", o.OrderId, "error", err)
				rep.Errors++
				continue
			}
			if won {
				rep.ExpiredPending++
				metrics.SweepItemsTotal.WithLabelValues("backfill", "expired_pending").Inc()
			}
		}
		if len(stale) < limit {
			break
		}
		last := stale[len(stale)-1]
		after = &models.Cursor{At: last.CreatedAt, Id: last.OrderId}
	}
	return nil
}

func (b *Backfill) logger() *slog.Logger {
	if b.Log != nil {
		return b.Log
	}
	return slog.Default()
}
