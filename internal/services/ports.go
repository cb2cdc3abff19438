package services

import (
	"context"
	"time"

	"netgrant/internal/gatewayclient"
	"netgrant/internal/models"
)

type OrderStore interface {
	FindByExternalRef(ctx context.Context, ref string) (*models.Order, error)
	GetByID(ctx context.Context, id string) (*models.Order, error)
	CompareAndSetStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) (bool, error)
	ListPaidUngranted(ctx context.Context, paidBefore time.Time, after *models.Cursor, limit int) ([]models.Order, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, after *models.Cursor, limit int) ([]models.Order, error)
	MarkUnactionable(ctx context.Context, id string, at time.Time) error
}

type SessionStore interface {
	UpsertActive(ctx context.Context, s models.Session) (stored *models.Session, superseded *models.Session, err error)
	ListExpired(ctx context.Context, now time.Time, after *models.Cursor, limit int) ([]models.Session, error)
	MarkInactive(ctx context.Context, id, reason string, at time.Time) (bool, error)
	GetByID(ctx context.Context, id string) (*models.Session, error)
}

type GatewayLookup interface {
	Get(ctx context.Context, id string) (*models.Gateway, error)
}

type GatewayResolver interface {
	ResolveGateway(ctx context.Context, deviceRef, clientIp, clientMac string) (*models.Gateway, error)
}

type Commander interface {
	Grant(ctx context.Context, gw models.Gateway, t gatewayclient.Target, label string) gatewayclient.Result
	Revoke(ctx context.Context, gw models.Gateway, t gatewayclient.Target) gatewayclient.Result
}

type EventLog interface {
	InsertRaw(ctx context.Context, externalRef, reportedStatus string, payload []byte) error
}
