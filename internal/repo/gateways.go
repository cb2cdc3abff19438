package repo

import (
	"context"
	"errors"

	"netgrant/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type GatewaysRepo struct{ db *pgxpool.Pool }

func NewGatewaysRepo(db *pgxpool.Pool) *GatewaysRepo { return &GatewaysRepo{db: db} }

const gatewayColumns = `gateway_id, name, host, username, secret, fleet_ref, coalesce(client_cidr::text, ''), is_primary, is_active, created_at, updated_at`

func scanGateway(row pgx.Row) (*models.Gateway, error) {
	var g models.Gateway
	if err := row.Scan(&g.GatewayId, &g.Name, &g.Host, &g.Username, &g.Secret, &g.FleetRef, &g.ClientCidr, &g.IsPrimary, &g.IsActive, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *GatewaysRepo) one(ctx context.Context, sql string, args ...any) (*models.Gateway, error) {
	g, err := scanGateway(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return g, nil
}

func (r *GatewaysRepo) Upsert(ctx context.Context, g models.Gateway) error {
	var cidr *string
	if g.ClientCidr != "" {
		cidr = &g.ClientCidr
	}
	_, err := r.db.Exec(ctx, `
		insert into gateways (gateway_id, name, host, username, secret, fleet_ref, client_cidr, is_primary, is_active)
		values ($1,$2,$3,$4,$5,$6,$7::cidr,$8,$9)
		on conflict (gateway_id) do update set
		  name=excluded.name,
		  host=excluded.host,
		  username=excluded.username,
		  secret=excluded.secret,
		  fleet_ref=excluded.fleet_ref,
		  client_cidr=excluded.client_cidr,
		  is_primary=excluded.is_primary,
		  is_active=excluded.is_active,
		  updated_at=now()
	`, g.GatewayId, g.Name, g.Host, g.Username, g.Secret, g.FleetRef, cidr, g.IsPrimary, g.IsActive)
	return err
}

// Get returns the gateway regardless of its active flag.
func (r *GatewaysRepo) Get(ctx context.Context, id string) (*models.Gateway, error) {
	return r.one(ctx, `select `+gatewayColumns+` from gateways where gateway_id=$1`, id)
}

func (r *GatewaysRepo) GetActive(ctx context.Context, id string) (*models.Gateway, error) {
	return r.one(ctx, `select `+gatewayColumns+` from gateways where gateway_id=$1 and is_active`, id)
}

func (r *GatewaysRepo) PrimaryForFleet(ctx context.Context, fleetRef string) (*models.Gateway, error) {
	return r.one(ctx, `
		select `+gatewayColumns+` from gateways
		where fleet_ref=$1 and is_active
		order by is_primary desc, gateway_id asc
		limit 1
	`, fleetRef)
}

// ForClientIp picks the active gateway with the most specific subnet containing ip.
func (r *GatewaysRepo) ForClientIp(ctx context.Context, ip string) (*models.Gateway, error) {
	return r.one(ctx, `
		select `+gatewayColumns+` from gateways
		where is_active and client_cidr is not null and $1::inet <<= client_cidr
		order by masklen(client_cidr) desc, gateway_id asc
		limit 1
	`, ip)
}

func (r *GatewaysRepo) List(ctx context.Context) ([]models.Gateway, error) {
	rows, err := r.db.Query(ctx, `select `+gatewayColumns+` from gateways order by gateway_id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Gateway
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}
