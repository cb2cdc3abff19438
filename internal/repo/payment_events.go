package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PaymentEventsRepo struct{ db *pgxpool.Pool }

func NewPaymentEventsRepo(db *pgxpool.Pool) *PaymentEventsRepo { return &PaymentEventsRepo{db: db} }

func (r *PaymentEventsRepo) InsertRaw(ctx context.Context, externalRef, reportedStatus string, payload []byte) error {
	_, err := r.db.Exec(ctx, `
		insert into payment_events (external_reference, reported_status, payload)
		values ($1,$2,$3)
	`, externalRef, reportedStatus, payload)
	return err
}
