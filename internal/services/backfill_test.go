package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"netgrant/internal/gatewayclient"
	"netgrant/internal/lease"
	"netgrant/internal/models"
)

func (e *env) backfill() *Backfill {
	return &Backfill{
		Orders:        e.orders,
		Granter:       e.granter,
		Locker:        lease.NewMemory(),
		LeaseTTL:      time.Minute,
		Grace:         2 * time.Minute,
		PendingMaxAge: 24 * time.Hour,
		Log:           discard,
	}
}

func TestBackfill_HealsUnresolvedOrder(t *testing.T) {
	o := pendingOrder("ord_2", "ref-2")
	o.DeviceRef = "gw-b"
	e := newEnv(o)
	ctx := context.Background()

	res, err := e.rec.HandlePaymentEvent(ctx, paid("ref-2"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeGrantPending {
		t.Fatalf("outcome = %s, want grant_pending", res.Outcome)
	}

	bf := e.backfill()

	// inside the grace window the webhook grant may still be running
	rep, err := bf.BackfillMissingGrants(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Candidates != 0 {
		t.Fatalf("candidates inside grace = %d", rep.Candidates)
	}

	rep, err = bf.BackfillMissingGrants(ctx, t0.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Candidates != 1 || rep.Unresolved != 1 || rep.Granted != 0 {
		t.Fatalf("report = %+v", rep)
	}

	e.dir.add(models.Gateway{GatewayId: "gw-b", Host: "10.0.1.1", Username: "api", Secret: "s", IsActive: true})

	rep, err = bf.BackfillMissingGrants(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Granted != 1 {
		t.Fatalf("report = %+v", rep)
	}
	active := e.sessions.active()
	if len(active) != 1 || active[0].GatewayId != "gw-b" {
		t.Fatalf("active sessions = %+v", active)
	}

	rep, err = bf.BackfillMissingGrants(ctx, t0.Add(15*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Candidates != 0 {
		t.Fatalf("granted order picked again: %+v", rep)
	}
	if got := e.cmds.count(gatewayclient.OpGrant); got != 1 {
		t.Fatalf("grant commands = %d, want 1", got)
	}
}

func TestBackfill_ExpiredSessionIsNotRegranted(t *testing.T) {
	e := newEnv(pendingOrder("ord_1", "ref-1"))
	ctx := context.Background()
	if _, err := e.rec.HandlePaymentEvent(ctx, paid("ref-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.sweeper().SweepExpired(ctx, t0.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	rep, err := e.backfill().BackfillMissingGrants(ctx, t0.Add(3*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Candidates != 0 || len(e.sessions.active()) != 0 {
		t.Fatalf("expired order re-granted: %+v", rep)
	}
}

func TestBackfill_MarksUnactionableOnce(t *testing.T) {
	o := pendingOrder("ord_3", "ref-3")
	o.ClientIp = "not-an-ip"
	e := newEnv(o)
	now := t0.Add(-time.Hour)
	o.Status, o.PaidAt = models.OrderPaid, &now
	e.orders.put(o)

	bf := e.backfill()
	ctx := context.Background()

	rep, err := bf.BackfillMissingGrants(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Unactionable != 1 {
		t.Fatalf("report = %+v", rep)
	}
	rep, err = bf.BackfillMissingGrants(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Candidates != 0 {
		t.Fatalf("unactionable order selected again: %+v", rep)
	}
}

func TestBackfill_ExpiresStalePending(t *testing.T) {
	fresh := pendingOrder("ord_new", "ref-new")
	fresh.CreatedAt = t0.Add(-time.Hour)
	stale := pendingOrder("ord_old", "ref-old")
	stale.CreatedAt = t0.Add(-25 * time.Hour)
	e := newEnv(fresh, stale)

	rep, err := e.backfill().BackfillMissingGrants(context.Background(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.ExpiredPending != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := e.orders.get("ord_old").Status; got != models.OrderExpired {
		t.Fatalf("stale status = %s", got)
	}
	if got := e.orders.get("ord_new").Status; got != models.OrderPending {
		t.Fatalf("fresh status = %s", got)
	}

	// a late payment for the expired order is a conflict, not a grant
	res, err := e.rec.HandlePaymentEvent(context.Background(), paid("ref-old"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeConflict {
		t.Fatalf("outcome = %s, want conflict", res.Outcome)
	}
}

func TestBackfill_SkipsWhenLeaseHeld(t *testing.T) {
	e := newEnv()
	bf := e.backfill()
	release, ok, _ := bf.Locker.Acquire(context.Background(), leaseBackfill, time.Minute)
	if !ok {
		t.Fatal("acquire failed")
	}
	defer release()

	rep, err := bf.BackfillMissingGrants(context.Background(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Skipped {
		t.Fatalf("report = %+v", rep)
	}
}

func TestGranter_SupersedeCarriesTimeAndRevokesOldGateway(t *testing.T) {
	first := pendingOrder("ord_1", "ref-1")
	second := pendingOrder("ord_2", "ref-2")
	second.DeviceRef = "gw-b"
	e := newEnv(first, second)
	e.dir.add(models.Gateway{GatewayId: "gw-b", Host: "10.0.1.1", Username: "api", Secret: "s", IsActive: true})
	ctx := context.Background()

	if _, err := e.rec.HandlePaymentEvent(ctx, paid("ref-1")); err != nil {
		t.Fatal(err)
	}
	later := t0.Add(20 * time.Minute)
	e.granter.Now = func() time.Time { return later }
	e.rec.Now = e.granter.Now

	res, err := e.rec.HandlePaymentEvent(ctx, paid("ref-2"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeGranted {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	active := e.sessions.active()
	if len(active) != 1 || active[0].OrderId != "ord_2" {
		t.Fatalf("active = %+v", active)
	}
	// 40 minutes left on the first session plus one hour
	if want := later.Add(100 * time.Minute); !active[0].ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt = %s, want %s", active[0].ExpiresAt, want)
	}
	if got := e.cmds.count(gatewayclient.OpRevoke); got != 1 {
		t.Fatalf("revokes on previous gateway = %d, want 1", got)
	}
}

func paidOrder(id, ip, deviceRef string, paidAt time.Time) models.Order {
	o := pendingOrder(id, "ref-"+id)
	o.ClientIp, o.DeviceRef = ip, deviceRef
	o.Status, o.PaidAt = models.OrderPaid, &paidAt
	return o
}

func TestBackfill_StuckOrdersDoNotHideNewer(t *testing.T) {
	e := newEnv(
		paidOrder("ord_a", "10.5.0.1", "gw-gone", t0.Add(-2*time.Hour)),
		paidOrder("ord_b", "10.5.0.2", "gw-gone", t0.Add(-90*time.Minute)),
		paidOrder("ord_c", "10.5.0.3", gwA.GatewayId, t0.Add(-time.Hour)),
	)
	bf := e.backfill()
	bf.BatchSize = 2

	rep, err := bf.BackfillMissingGrants(context.Background(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Candidates != 3 || rep.Unresolved != 2 || rep.Granted != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if !e.sessions.hasOrder("ord_c") {
		t.Fatal("resolvable order behind a full batch of stuck orders got no session")
	}
}

func TestBackfill_ResumesAfterBatchCap(t *testing.T) {
	var orders []models.Order
	for i := 0; i < maxBatches; i++ {
		id := fmt.Sprintf("ord_%03d", i)
		orders = append(orders, paidOrder(id, "10.5.1.1", "gw-gone", t0.Add(-2*time.Hour)))
	}
	orders = append(orders, paidOrder("ord_late", "10.5.0.9", gwA.GatewayId, t0.Add(-time.Hour)))
	e := newEnv(orders...)
	bf := e.backfill()
	bf.BatchSize = 1
	ctx := context.Background()

	rep, err := bf.BackfillMissingGrants(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Candidates != maxBatches || rep.Granted != 0 {
		t.Fatalf("first run = %+v", rep)
	}

	rep, err = bf.BackfillMissingGrants(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Granted != 1 || !e.sessions.hasOrder("ord_late") {
		t.Fatalf("second run did not continue past the cap: %+v", rep)
	}

	// a run that reached the end starts over
	rep, err = bf.BackfillMissingGrants(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Candidates != maxBatches {
		t.Fatalf("third run = %+v", rep)
	}
}

func TestBackfill_UnactionableFailureIsolatedToOrder(t *testing.T) {
	e := newEnv(
		paidOrder("ord_x", "not-an-ip", gwA.GatewayId, t0.Add(-2*time.Hour)),
		paidOrder("ord_y", "10.5.0.4", gwA.GatewayId, t0.Add(-time.Hour)),
	)
	e.orders.failUnactionable = map[string]error{"ord_x": errors.New("connection reset")}

	rep, err := e.backfill().BackfillMissingGrants(context.Background(), t0)
	if err != nil {
		t.Fatalf("backfill failed on a single bad order: %v", err)
	}
	if rep.Errors != 1 || rep.Granted != 1 || rep.Unactionable != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if e.orders.get("ord_x").UnactionableAt != nil {
		t.Fatal("failed mark recorded")
	}
	if !e.sessions.hasOrder("ord_y") {
		t.Fatal("sibling order not granted")
	}
}

func TestBackfill_ExpireFailureIsolatedToOrder(t *testing.T) {
	a := pendingOrder("ord_a", "ref-a")
	a.CreatedAt = t0.Add(-30 * time.Hour)
	b := pendingOrder("ord_b", "ref-b")
	b.CreatedAt = t0.Add(-26 * time.Hour)
	e := newEnv(a, b)
	e.orders.failCAS = map[string]error{"ord_a": errors.New("connection reset")}

	rep, err := e.backfill().BackfillMissingGrants(context.Background(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Errors != 1 || rep.ExpiredPending != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := e.orders.get("ord_a").Status; got != models.OrderPending {
		t.Fatalf("ord_a status = %s", got)
	}
	if got := e.orders.get("ord_b").Status; got != models.OrderExpired {
		t.Fatalf("ord_b status = %s", got)
	}
}
