package services

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"netgrant/internal/config"
	"netgrant/internal/directory"
	"netgrant/internal/gatewayclient"
	"netgrant/internal/lease"
	"netgrant/internal/models"
	"netgrant/internal/plans"

	"github.com/google/uuid"
)

type GrantStatus string

const (
	GrantOK GrantStatus = "granted"
	// GrantUnresolved: no gateway maps to the order yet.
	GrantUnresolved GrantStatus = "unresolved"
	// GrantNoIdentifier: the order lacks the binding identifier and can never be granted.
	GrantNoIdentifier  GrantStatus = "no_identifier"
	GrantCommandFailed GrantStatus = "command_failed"
	// GrantBusy: a revoke for the same client held the binding; backfill retries.
	GrantBusy          GrantStatus = "binding_busy"
	GrantStoreFailed   GrantStatus = "store_failed"
)

type GrantResult struct {
	Status    GrantStatus
	GatewayId string
	Session   *models.Session
	Command   gatewayclient.Outcome
	Err       error
}

// Granter runs the grant workflow for a PAID order: resolve the gateway, admit
// the client, then record the session. The session is written only after the
// gateway confirmed the grant.
type Granter struct {
	Resolver    GatewayResolver
	Gateways    GatewayLookup
	Commands    Commander
	Sessions    SessionStore
	Plans       *plans.Table
	BindingKey  string
	// Locker serializes device commands per client with the sweeper. Shared
	// with Sweeper.Locker.
	Locker lease.Locker
	// BindingWait bounds how long a grant waits for a busy binding.
	BindingWait time.Duration
	Log         *slog.Logger
	Now         func() time.Time
}

// Binding returns the authoritative client identifier of o, or "" if o has none.
func (g *Granter) Binding(o models.Order) string {
	if g.BindingKey == config.BindByMac {
		return directory.NormalizeMac(o.Mac())
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(o.ClientIp))
	if err != nil {
		return ""
	}
	return addr.String()
}

func (g *Granter) Grant(ctx context.Context, o models.Order) GrantResult {
	log := g.logger().With("order_id", o.OrderId, "external_reference", o.ExternalReference)

	binding := g.Binding(o)
	if binding == "" {
		log.Warn("order has no usable client identifier", "binding_key", g.BindingKey, "client_ip", o.ClientIp, "client_mac", o.Mac())
		return GrantResult{Status: GrantNoIdentifier}
	}

	release, ok, err := lockBinding(ctx, g.Locker, binding, g.bindingWait())
	if err != nil {
		log.Error("binding lease failed", "binding", binding, "error", err)
		return GrantResult{Status: GrantStoreFailed, Err: err}
	}
	if !ok {
		log.Warn("client binding busy, grant deferred to backfill", "binding", binding)
		return GrantResult{Status: GrantBusy}
	}
	defer release()

	gw, err := g.Resolver.ResolveGateway(ctx, o.DeviceRef, o.ClientIp, o.Mac())
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			log.Warn("no gateway resolves for order", "device_ref", o.DeviceRef, "client_ip", o.ClientIp)
			return GrantResult{Status: GrantUnresolved}
		}
		log.Error("gateway resolution failed", "error", err)
		return GrantResult{Status: GrantStoreFailed, Err: err}
	}

	target := g.target(o)
	res := g.Commands.Grant(ctx, *gw, target, o.OrderId)
	if !res.OK() {
		log.Warn("grant command failed", "gateway_id", gw.GatewayId, "outcome", res.Outcome, "error", res.Err)
		return GrantResult{Status: GrantCommandFailed, GatewayId: gw.GatewayId, Command: res.Outcome, Err: res.Err}
	}

	now := g.now()
	table := g.Plans
	if table == nil {
		table = plans.Builtin()
	}
	length := table.Duration(o.PlanDescription)
	s := models.Session{
		SessionId:  uuid.NewString(),
		OrderId:    o.OrderId,
		BindingKey: binding,
		ClientIp:   target.Ip,
		GatewayId:  gw.GatewayId,
		StartedAt:  now,
		ExpiresAt:  now.Add(length),
		Active:     true,
	}
	if target.Mac != "" {
		mac := target.Mac
		s.ClientMac = &mac
	}

	stored, superseded, err := g.Sessions.UpsertActive(ctx, s)
	if err != nil {
		log.Error("session upsert failed after grant", "gateway_id", gw.GatewayId, "error", err)
		return GrantResult{Status: GrantStoreFailed, GatewayId: gw.GatewayId, Command: res.Outcome, Err: err}
	}
	if superseded != nil {
		log.Info("superseded active session", "session_id", superseded.SessionId, "previous_order_id", superseded.OrderId)
		if superseded.GatewayId != gw.GatewayId {
			g.revokeMoved(ctx, *superseded, log)
		}
	}

	log.Info("access granted",
		"gateway_id", gw.GatewayId,
		"session_id", stored.SessionId,
		"binding", binding,
		"expires_at", stored.ExpiresAt,
		"plan", o.PlanDescription,
	)
	return GrantResult{Status: GrantOK, GatewayId: gw.GatewayId, Session: stored, Command: res.Outcome}
}

// revokeMoved removes a superseded grant the client still holds on another gateway.
func (g *Granter) revokeMoved(ctx context.Context, s models.Session, log *slog.Logger) {
	if g.Gateways == nil {
		return
	}
	old, err := g.Gateways.Get(ctx, s.GatewayId)
	if err != nil || old == nil {
		log.Warn("superseded session gateway missing", "gateway_id", s.GatewayId, "error", err)
		return
	}
	t := gatewayclient.Target{Ip: s.ClientIp}
	if s.ClientMac != nil {
		t.Mac = *s.ClientMac
	}
	if res := g.Commands.Revoke(ctx, *old, t); !res.OK() {
		log.Warn("revoke on previous gateway failed", "gateway_id", old.GatewayId, "outcome", res.Outcome, "error", res.Err)
	}
}

func (g *Granter) target(o models.Order) gatewayclient.Target {
	t := gatewayclient.Target{Mac: directory.NormalizeMac(o.Mac())}
	if addr, err := netip.ParseAddr(strings.TrimSpace(o.ClientIp)); err == nil {
		t.Ip = addr.String()
	}
	return t
}

func (g *Granter) bindingWait() time.Duration {
	if g.BindingWait > 0 {
		return g.BindingWait
	}
	return defaultBindingWait
}

func (g *Granter) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *Granter) logger() *slog.Logger {
	if g.Log != nil {
		return g.Log
	}
	return slog.Default()
}
