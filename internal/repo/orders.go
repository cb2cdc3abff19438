package repo

import (
	"context"
	"errors"
	"time"

	"netgrant/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OrdersRepo struct{ db *pgxpool.Pool }

func NewOrdersRepo(db *pgxpool.Pool) *OrdersRepo { return &OrdersRepo{db: db} }

const orderColumns = `order_id, external_reference, client_ip, client_mac, amount, status, device_ref, plan_description, created_at, paid_at, unactionable_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	if err := row.Scan(&o.OrderId, &o.ExternalReference, &o.ClientIp, &o.ClientMac, &o.Amount, &o.Status, &o.DeviceRef, &o.PlanDescription, &o.CreatedAt, &o.PaidAt, &o.UnactionableAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrdersRepo) FindByExternalRef(ctx context.Context, ref string) (*models.Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `select `+orderColumns+` from orders where external_reference=$1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

func (r *OrdersRepo) GetByID(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `select `+orderColumns+` from orders where order_id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// CompareAndSetStatus moves the order from one status to another only if it is
// still in the expected status. Reports whether this call won the transition.
func (r *OrdersRepo) CompareAndSetStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		update orders set
		  status=$3,
		  paid_at=case when $3='PAID' then $4 else paid_at end,
		  updated_at=now()
		where order_id=$1 and status=$2
	`, id, from, to, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListPaidUngranted returns PAID orders that never received a session, in
// (paid_at, order_id) order. A non-nil after resumes the scan past that key.
func (r *OrdersRepo) ListPaidUngranted(ctx context.Context, paidBefore time.Time, after *models.Cursor, limit int) ([]models.Order, error) {
	afterAt, afterId := cursorArgs(after)
	return r.list(ctx, `
		select `+orderColumns+` from orders o
		where o.status='PAID'
		  and o.unactionable_at is null
		  and o.paid_at <= $1
		  and ($2::timestamptz is null or (o.paid_at, o.order_id) > ($2::timestamptz, $3::text))
		  and not exists (select 1 from sessions s where s.order_id=o.order_id)
		order by o.paid_at asc, o.order_id asc
		limit $4
	`, paidBefore, afterAt, afterId, clampLimit(limit))
}

func (r *OrdersRepo) ListStalePending(ctx context.Context, createdBefore time.Time, after *models.Cursor, limit int) ([]models.Order, error) {
	afterAt, afterId := cursorArgs(after)
	return r.list(ctx, `
		select `+orderColumns+` from orders
		where status='PENDING' and created_at <= $1
		  and ($2::timestamptz is null or (created_at, order_id) > ($2::timestamptz, $3::text))
		order by created_at asc, order_id asc
		limit $4
	`, createdBefore, afterAt, afterId, clampLimit(limit))
}

func (r *OrdersRepo) MarkUnactionable(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `update orders set unactionable_at=$2, updated_at=now() where order_id=$1 and unactionable_at is null`, id, at)
	return err
}

func (r *OrdersRepo) list(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// cursorArgs expands a keyset cursor into query arguments; a nil cursor binds a
// null timestamp, which starts the scan from the beginning.
func cursorArgs(c *models.Cursor) (*time.Time, string) {
	if c == nil {
		return nil, ""
	}
	at := c.At
	return &at, c.Id
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 200
	}
	return limit
}
