// Package directory resolves which gateway must be commanded for an order.
package directory

import (
	"context"
	"errors"
	"net/netip"
	"strings"

	"netgrant/internal/models"
)

var ErrNotFound = errors.New("no gateway resolves for client")

// Store is the read side of the gateway directory.
type Store interface {
	GetActive(ctx context.Context, id string) (*models.Gateway, error)
	PrimaryForFleet(ctx context.Context, fleetRef string) (*models.Gateway, error)
	ForClientIp(ctx context.Context, ip string) (*models.Gateway, error)
}

// MacHistory finds the gateway a client MAC was last served by.
type MacHistory interface {
	LastGatewayForMac(ctx context.Context, mac string) (string, error)
}

type Resolver struct {
	store   Store
	history MacHistory
}

func NewResolver(store Store, history MacHistory) *Resolver {
	return &Resolver{store: store, history: history}
}

// ResolveGateway returns the single gateway for the given association.
// Order: explicit gateway id, fleet primary, subnet containing clientIp,
// gateway of the MAC's latest session. Returns ErrNotFound when none apply.
func (r *Resolver) ResolveGateway(ctx context.Context, deviceRef, clientIp, clientMac string) (*models.Gateway, error) {
	deviceRef = strings.TrimSpace(deviceRef)
	if deviceRef != "" {
		gw, err := r.store.GetActive(ctx, deviceRef)
		if err != nil || gw != nil {
			return gw, err
		}
		gw, err = r.store.PrimaryForFleet(ctx, deviceRef)
		if err != nil || gw != nil {
			return gw, err
		}
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(clientIp)); err == nil {
		gw, err := r.store.ForClientIp(ctx, addr.String())
		if err != nil || gw != nil {
			return gw, err
		}
	}

	if mac := NormalizeMac(clientMac); mac != "" && r.history != nil {
		id, err := r.history.LastGatewayForMac(ctx, mac)
		if err != nil {
			return nil, err
		}
		if id != "" {
			gw, err := r.store.GetActive(ctx, id)
			if err != nil || gw != nil {
				return gw, err
			}
		}
	}
	return nil, ErrNotFound
}

// NormalizeMac returns the MAC in upper-case colon form, or "" if it does not parse.
func NormalizeMac(mac string) string {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return ""
	}
	hex := strings.NewReplacer(":", "", "-", "", ".", "").Replace(mac)
	if len(hex) != 12 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		pair := strings.ToUpper(hex[i : i+2])
		for _, c := range pair {
			if !strings.ContainsRune("0123456789ABCDEF", c) {
				return ""
			}
		}
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(pair)
	}
	return b.String()
}
