package repo

import (
	"context"
	"errors"
	"time"

	"netgrant/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrBindingTaken is returned when another order's session won the active slot
// for the same client concurrently. The caller may retry later.
var ErrBindingTaken = errors.New("active session for client belongs to another order")

type SessionsRepo struct{ db *pgxpool.Pool }

func NewSessionsRepo(db *pgxpool.Pool) *SessionsRepo { return &SessionsRepo{db: db} }

const sessionColumns = `session_id::text, order_id, binding_key, client_ip, client_mac, gateway_id, started_at, expires_at, active, ended_at, end_reason`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	if err := row.Scan(&s.SessionId, &s.OrderId, &s.BindingKey, &s.ClientIp, &s.ClientMac, &s.GatewayId, &s.StartedAt, &s.ExpiresAt, &s.Active, &s.EndedAt, &s.EndReason); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertActive stores s as the active session for its binding key.
//
// A session that is already active for the same order is kept as is (grants are
// retried blindly). An active session for a different order is closed as
// superseded and its unused time is added to s. The superseded row, if any, is
// returned so its gateway grant can be cleaned up.
func (r *SessionsRepo) UpsertActive(ctx context.Context, s models.Session) (*models.Session, *models.Session, error) {
	var stored, superseded *models.Session
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		cur, err := scanSession(tx.QueryRow(ctx, `
			select `+sessionColumns+` from sessions
			where binding_key=$1 and active
			for update
		`, s.BindingKey))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		if cur != nil && cur.OrderId == s.OrderId {
			stored = cur
			return nil
		}
		if cur != nil {
			if cur.ExpiresAt.After(s.StartedAt) {
				s.ExpiresAt = s.ExpiresAt.Add(cur.ExpiresAt.Sub(s.StartedAt))
			}
			if _, err := tx.Exec(ctx, `
				update sessions set active=false, ended_at=$2, end_reason=$3, updated_at=now()
				where session_id=$1 and active
			`, cur.SessionId, s.StartedAt, models.EndSuperseded); err != nil {
				return err
			}
			superseded = cur
		}

		stored, err = scanSession(tx.QueryRow(ctx, `
			insert into sessions (session_id, order_id, binding_key, client_ip, client_mac, gateway_id, started_at, expires_at, active)
			values ($1::uuid,$2,$3,$4,$5,$6,$7,$8,true)
			on conflict (binding_key) where active do update set updated_at=now()
			  where sessions.order_id=excluded.order_id
			returning `+sessionColumns+`
		`, s.SessionId, s.OrderId, s.BindingKey, s.ClientIp, s.ClientMac, s.GatewayId, s.StartedAt, s.ExpiresAt))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBindingTaken
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return stored, superseded, nil
}

// ListExpired returns active sessions with expires_at <= now in
// (expires_at, session_id) order, strictly after the cursor when one is given.
func (r *SessionsRepo) ListExpired(ctx context.Context, now time.Time, after *models.Cursor, limit int) ([]models.Session, error) {
	afterAt, afterId := cursorArgs(after)
	return r.list(ctx, `
		select `+sessionColumns+` from sessions
		where active and expires_at <= $1
		  and ($2::timestamptz is null or (expires_at, session_id::text) > ($2::timestamptz, $3::text))
		order by expires_at asc, session_id::text asc
		limit $4
	`, now, afterAt, afterId, clampLimit(limit))
}

// MarkInactive closes an active session. Reports whether this call closed it.
func (r *SessionsRepo) MarkInactive(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		update sessions set active=false, ended_at=$2, end_reason=$3, updated_at=now()
		where session_id=$1::uuid and active
	`, id, at, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SessionsRepo) GetByID(ctx context.Context, id string) (*models.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx, `select `+sessionColumns+` from sessions where session_id::text=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (r *SessionsRepo) ListByOrder(ctx context.Context, orderId string) ([]models.Session, error) {
	return r.list(ctx, `
		select `+sessionColumns+` from sessions
		where order_id=$1
		order by started_at desc
	`, orderId)
}

// LastGatewayForMac returns the gateway of the client's most recent session, or "".
func (r *SessionsRepo) LastGatewayForMac(ctx context.Context, mac string) (string, error) {
	var gw string
	err := r.db.QueryRow(ctx, `
		select gateway_id from sessions
		where client_mac=$1
		order by started_at desc, session_id asc
		limit 1
	`, mac).Scan(&gw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return gw, nil
}

func (r *SessionsRepo) list(ctx context.Context, sql string, args ...any) ([]models.Session, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
