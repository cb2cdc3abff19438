package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"netgrant/internal/gatewayclient"
	"netgrant/internal/lease"
	"netgrant/internal/models"
	"netgrant/internal/observability/metrics"
)

const (
	leaseExpiry   = "sweep:expiry"
	leaseBackfill = "sweep:backfill"

	defaultBatchSize = 200
	maxBatches       = 50
)

var (
	// ErrSessionNotFound is returned by RevokeSession for an unknown or inactive session.
	ErrSessionNotFound = errors.New("active session not found")
	// ErrBindingBusy is returned by RevokeSession when a grant for the same
	// client held the binding for longer than the wait.
	ErrBindingBusy = errors.New("client binding busy")
)

type SweepReport struct {
	Expired      int `json:"expired"`
	Revoked      int `json:"revoked"`
	RevokeFailed int `json:"revokeFailed"`
	// Busy counts sessions left for the next run because a grant held their binding.
	Busy int `json:"busy"`
	// Errors counts sessions that could not be closed; they stay active and
	// are retried on the next run.
	Errors  int  `json:"errors"`
	Skipped bool `json:"skipped,omitempty"`
}

// Sweeper closes sessions whose time is up and removes their grants.
type Sweeper struct {
	Sessions SessionStore
	Gateways GatewayLookup
	Commands Commander
	// Locker holds the run lease and the per-client binding leases shared
	// with the Granter.
	Locker    lease.Locker
	LeaseTTL  time.Duration
	BatchSize int
	// BindingWait bounds how long an operator revoke waits for a busy binding.
	BindingWait time.Duration
	Log         *slog.Logger
}

// SweepExpired revokes every active session with expiresAt <= now. A session
// is closed first and revoked on its gateway only if the close won, so a
// session superseded by a newer grant never has that grant removed. A failed
// revoke is logged and counted. A session that cannot be closed is counted in
// Errors and the sweep moves on. Returns Skipped when another sweep holds the
// lease.
func (s *Sweeper) SweepExpired(ctx context.Context, now time.Time) (SweepReport, error) {
	var rep SweepReport
	release, ok, err := acquire(ctx, s.Locker, leaseExpiry, s.LeaseTTL)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("expiry", "error").Inc()
		return rep, err
	}
	if !ok {
		s.logger().Info("expiry sweep already running, skipped")
		metrics.SweepRunsTotal.WithLabelValues("expiry", "skipped").Inc()
		rep.Skipped = true
		return rep, nil
	}
	defer release()

	limit := batchSize(s.BatchSize)
	var after *models.Cursor
	for i := 0; i < maxBatches; i++ {
		batch, err := s.Sessions.ListExpired(ctx, now, after, limit)
		if err != nil {
			metrics.SweepRunsTotal.WithLabelValues("expiry", "error").Inc()
			return rep, fmt.Errorf("list expired sessions: %w", err)
		}
		for _, sess := range batch {
			if ctx.Err() != nil {
				metrics.SweepRunsTotal.WithLabelValues("expiry", "error").Inc()
				return rep, ctx.Err()
			}
			s.expire(ctx, sess, now, &rep)
		}
		if len(batch) < limit {
			break
		}
		last := batch[len(batch)-1]
		after = &models.Cursor{At: last.ExpiresAt, Id: last.SessionId}
	}

	metrics.SweepRunsTotal.WithLabelValues("expiry", "ok").Inc()
	if rep.Expired > 0 || rep.Errors > 0 || rep.Busy > 0 {
		s.logger().Info("expiry sweep done",
			"expired", rep.Expired,
			"revoked", rep.Revoked,
			"revoke_failed", rep.RevokeFailed,
			"busy", rep.Busy,
			"errors", rep.Errors,
		)
	}
	return rep, nil
}

func (s *Sweeper) expire(ctx context.Context, sess models.Session, now time.Time, rep *SweepReport) {
	log := s.logger().With("session_id", sess.SessionId, "order_id", sess.OrderId)
	release, ok, err := lockBinding(ctx, s.Locker, sess.BindingKey, 0)
	if err != nil {
		log.Error("binding lease failed", "binding", sess.BindingKey, "error", err)
		rep.Errors++
		metrics.SweepItemsTotal.WithLabelValues("expiry", "error").Inc()
		return
	}
	if !ok {
		log.Info("client binding busy, session left for next sweep", "binding", sess.BindingKey)
		rep.Busy++
		metrics.SweepItemsTotal.WithLabelValues("expiry", "busy").Inc()
		return
	}
	defer release()

	done, err := s.Sessions.MarkInactive(ctx, sess.SessionId, models.EndExpired, now)
	if err != nil {
		log.Error("close expired session", "error", err)
		rep.Errors++
		metrics.SweepItemsTotal.WithLabelValues("expiry", "error").Inc()
		return
	}
	if !done {
		// superseded or revoked since the listing; its grant belongs to someone else now
		return
	}
	rep.Expired++
	if s.revoke(ctx, sess) {
		rep.Revoked++
		metrics.SweepItemsTotal.WithLabelValues("expiry", "revoked").Inc()
	} else {
		rep.RevokeFailed++
		metrics.SweepItemsTotal.WithLabelValues("expiry", "revoke_failed").Inc()
	}
}

// RevokeSession ends an active session on operator request.
func (s *Sweeper) RevokeSession(ctx context.Context, id string, now time.Time) (*models.Session, bool, error) {
	sess, err := s.Sessions.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if sess == nil || !sess.Active {
		return nil, false, ErrSessionNotFound
	}
	wait := s.BindingWait
	if wait <= 0 {
		wait = defaultBindingWait
	}
	release, ok, err := lockBinding(ctx, s.Locker, sess.BindingKey, wait)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrBindingBusy
	}
	defer release()

	done, err := s.Sessions.MarkInactive(ctx, sess.SessionId, models.EndRevoked, now)
	if err != nil {
		return nil, false, err
	}
	if !done {
		return nil, false, ErrSessionNotFound
	}
	revoked := s.revoke(ctx, *sess)
	reason := models.EndRevoked
	sess.Active = false
	sess.EndedAt = &now
	sess.EndReason = &reason
	s.logger().Info("session revoked", "session_id", sess.SessionId, "order_id", sess.OrderId, "gateway_revoked", revoked)
	return sess, revoked, nil
}

func (s *Sweeper) revoke(ctx context.Context, sess models.Session) bool {
	log := s.logger().With("session_id", sess.SessionId, "gateway_id", sess.GatewayId, "order_id", sess.OrderId)
	gw, err := s.Gateways.Get(ctx, sess.GatewayId)
	if err != nil {
		log.Error("load gateway for revoke", "error", err)
		return false
	}
	if gw == nil {
		log.Warn("gateway of expired session no longer registered")
		return false
	}
	t := gatewayclient.Target{Ip: sess.ClientIp}
	if sess.ClientMac != nil {
		t.Mac = *sess.ClientMac
	}
	res := s.Commands.Revoke(ctx, *gw, t)
	if !res.OK() {
		log.Warn("revoke command failed", "outcome", res.Outcome, "error", res.Err)
		return false
	}
	return true
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// acquire takes the named lease. A nil locker means the caller is the only runner.
func acquire(ctx context.Context, l lease.Locker, name string, ttl time.Duration) (func(), bool, error) {
	if l == nil {
		return func() {}, true, nil
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	release, ok, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return release, ok, nil
}

func batchSize(n int) int {
	if n <= 0 {
		return defaultBatchSize
	}
	return n
}
