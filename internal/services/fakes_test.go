package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"netgrant/internal/directory"
	"netgrant/internal/gatewayclient"
	"netgrant/internal/models"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeOrders struct {
	mu       sync.Mutex
	byId     map[string]*models.Order
	sessions *fakeSessions
	fail     error
	// per-order store failures
	failCAS          map[string]error
	failUnactionable map[string]error
}

func newFakeOrders(sessions *fakeSessions, orders ...models.Order) *fakeOrders {
	f := &fakeOrders{byId: make(map[string]*models.Order), sessions: sessions}
	for _, o := range orders {
		f.put(o)
	}
	return f
}

func (f *fakeOrders) put(o models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.Status == "" {
		o.Status = models.OrderPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = t0
	}
	f.byId[o.OrderId] = &o
}

func (f *fakeOrders) get(id string) models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byId[id]
}

func (f *fakeOrders) FindByExternalRef(_ context.Context, ref string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	for _, o := range f.byId {
		if o.ExternalReference == ref {
			c := *o
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeOrders) GetByID(_ context.Context, id string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byId[id]
	if !ok {
		return nil, nil
	}
	c := *o
	return &c, nil
}

func (f *fakeOrders) CompareAndSetStatus(_ context.Context, id string, from, to models.OrderStatus, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failCAS[id]; err != nil {
		return false, err
	}
	o, ok := f.byId[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	if to == models.OrderPaid {
		o.PaidAt = &at
	}
	return true, nil
}

func (f *fakeOrders) ListPaidUngranted(_ context.Context, paidBefore time.Time, after *models.Cursor, limit int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.byId {
		if o.Status != models.OrderPaid || o.UnactionableAt != nil || o.PaidAt == nil || o.PaidAt.After(paidBefore) {
			continue
		}
		if !pastCursor(*o.PaidAt, o.OrderId, after) {
			continue
		}
		if f.sessions != nil && f.sessions.hasOrder(o.OrderId) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		return keyLess(*out[i].PaidAt, out[i].OrderId, *out[j].PaidAt, out[j].OrderId)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeOrders) ListStalePending(_ context.Context, createdBefore time.Time, after *models.Cursor, limit int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.byId {
		if o.Status == models.OrderPending && !o.CreatedAt.After(createdBefore) && pastCursor(o.CreatedAt, o.OrderId, after) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return keyLess(out[i].CreatedAt, out[i].OrderId, out[j].CreatedAt, out[j].OrderId)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeOrders) MarkUnactionable(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUnactionable[id]; err != nil {
		return err
	}
	if o, ok := f.byId[id]; ok && o.UnactionableAt == nil {
		o.UnactionableAt = &at
	}
	return nil
}

type fakeSessions struct {
	mu   sync.Mutex
	rows []models.Session
	// failMark fails MarkInactive for the given session ids.
	failMark map[string]error
	// onListExpired runs once after ListExpired built its result.
	onListExpired func()
}

func keyLess(at time.Time, id string, at2 time.Time, id2 string) bool {
	if !at.Equal(at2) {
		return at.Before(at2)
	}
	return id < id2
}

func pastCursor(at time.Time, id string, c *models.Cursor) bool {
	return c == nil || keyLess(c.At, c.Id, at, id)
}

func (f *fakeSessions) hasOrder(orderId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.OrderId == orderId {
			return true
		}
	}
	return false
}

func (f *fakeSessions) active() []models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.rows {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSessions) all() []models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Session(nil), f.rows...)
}

func (f *fakeSessions) UpsertActive(_ context.Context, s models.Session) (*models.Session, *models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var superseded *models.Session
	for i := range f.rows {
		cur := &f.rows[i]
		if !cur.Active || cur.BindingKey != s.BindingKey {
			continue
		}
		if cur.OrderId == s.OrderId {
			c := *cur
			return &c, nil, nil
		}
		if cur.ExpiresAt.After(s.StartedAt) {
			s.ExpiresAt = s.ExpiresAt.Add(cur.ExpiresAt.Sub(s.StartedAt))
		}
		reason := models.EndSuperseded
		ended := s.StartedAt
		cur.Active, cur.EndedAt, cur.EndReason = false, &ended, &reason
		c := *cur
		superseded = &c
	}
	f.rows = append(f.rows, s)
	return &s, superseded, nil
}

func (f *fakeSessions) ListExpired(_ context.Context, now time.Time, after *models.Cursor, limit int) ([]models.Session, error) {
	f.mu.Lock()
	var out []models.Session
	for _, s := range f.rows {
		if s.Active && !s.ExpiresAt.After(now) && pastCursor(s.ExpiresAt, s.SessionId, after) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return keyLess(out[i].ExpiresAt, out[i].SessionId, out[j].ExpiresAt, out[j].SessionId)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	hook := f.onListExpired
	f.onListExpired = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (f *fakeSessions) MarkInactive(_ context.Context, id, reason string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failMark[id]; err != nil {
		return false, err
	}
	for i := range f.rows {
		if f.rows[i].SessionId == id && f.rows[i].Active {
			f.rows[i].Active = false
			f.rows[i].EndedAt = &at
			f.rows[i].EndReason = &reason
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSessions) GetByID(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.SessionId == id {
			c := s
			return &c, nil
		}
	}
	return nil, nil
}

// fakeDirectory resolves by deviceRef only.
type fakeDirectory struct {
	mu       sync.Mutex
	gateways map[string]models.Gateway
}

func newFakeDirectory(gws ...models.Gateway) *fakeDirectory {
	d := &fakeDirectory{gateways: make(map[string]models.Gateway)}
	for _, g := range gws {
		d.add(g)
	}
	return d
}

func (d *fakeDirectory) add(g models.Gateway) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gateways[g.GatewayId] = g
}

func (d *fakeDirectory) ResolveGateway(_ context.Context, deviceRef, _, _ string) (*models.Gateway, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if g, ok := d.gateways[deviceRef]; ok {
		return &g, nil
	}
	return nil, directory.ErrNotFound
}

func (d *fakeDirectory) Get(_ context.Context, id string) (*models.Gateway, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if g, ok := d.gateways[id]; ok {
		return &g, nil
	}
	return nil, nil
}

type command struct {
	Op        string
	GatewayId string
	Target    gatewayclient.Target
}

type fakeCommander struct {
	mu          sync.Mutex
	calls       []command
	grants      atomic.Int32
	grantResult gatewayclient.Result
	revokeFails bool
	delay       time.Duration
	// state is the last command applied per client (ip, or mac without one).
	state map[string]string
	// onRevoke runs once while a revoke is in flight, before it lands.
	onRevoke func()
}

func (c *fakeCommander) apply(t gatewayclient.Target, op string) {
	if c.state == nil {
		c.state = make(map[string]string)
	}
	key := t.Ip
	if key == "" {
		key = t.Mac
	}
	c.state[key] = op
}

func (c *fakeCommander) deviceState(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[key]
}

func (c *fakeCommander) Grant(_ context.Context, gw models.Gateway, t gatewayclient.Target, _ string) gatewayclient.Result {
	c.grants.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, command{Op: gatewayclient.OpGrant, GatewayId: gw.GatewayId, Target: t})
	if c.grantResult.Outcome == "" || c.grantResult.OK() {
		c.apply(t, gatewayclient.OpGrant)
	}
	if c.grantResult.Outcome == "" {
		return gatewayclient.Result{Outcome: gatewayclient.OutcomeOK}
	}
	return c.grantResult
}

func (c *fakeCommander) Revoke(_ context.Context, gw models.Gateway, t gatewayclient.Target) gatewayclient.Result {
	c.mu.Lock()
	hook := c.onRevoke
	c.onRevoke = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, command{Op: gatewayclient.OpRevoke, GatewayId: gw.GatewayId, Target: t})
	if c.revokeFails {
		return gatewayclient.Result{Outcome: gatewayclient.OutcomeRetryable, Err: errors.New("relay unreachable")}
	}
	c.apply(t, gatewayclient.OpRevoke)
	return gatewayclient.Result{Outcome: gatewayclient.OutcomeOK}
}

func (c *fakeCommander) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cmd := range c.calls {
		if cmd.Op == op {
			n++
		}
	}
	return n
}

type fakeEvents struct {
	mu   sync.Mutex
	refs []string
}

func (f *fakeEvents) InsertRaw(_ context.Context, ref, _ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	return nil
}

// manualTimer captures scheduled re-checks so tests can fire them.
type manualTimer struct {
	mu      sync.Mutex
	fns     []func()
	delays  []time.Duration
	stopped int
}

type manualHandle struct{ m *manualTimer }

func (h manualHandle) Stop() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	h.m.stopped++
	return true
}

func (m *manualTimer) after(d time.Duration, f func()) timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns = append(m.fns, f)
	m.delays = append(m.delays, d)
	return manualHandle{m}
}

func (m *manualTimer) fire() {
	m.mu.Lock()
	fns := m.fns
	m.fns = nil
	m.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

func (m *manualTimer) scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

type env struct {
	orders   *fakeOrders
	sessions *fakeSessions
	dir      *fakeDirectory
	cmds     *fakeCommander
	events   *fakeEvents
	timers   *manualTimer
	granter  *Granter
	rec      *Reconciler
}

var gwA = models.Gateway{GatewayId: "gw-a", Host: "10.0.0.1", Username: "api", Secret: "s", IsActive: true}

func newEnv(orders ...models.Order) *env {
	e := &env{
		sessions: &fakeSessions{},
		dir:      newFakeDirectory(gwA),
		cmds:     &fakeCommander{},
		events:   &fakeEvents{},
		timers:   &manualTimer{},
	}
	e.orders = newFakeOrders(e.sessions, orders...)
	e.granter = &Granter{
		Resolver: e.dir,
		Gateways: e.dir,
		Commands: e.cmds,
		Sessions: e.sessions,
		Log:      discard,
		Now:      func() time.Time { return t0 },
	}
	e.rec = NewReconciler(e.orders, e.events, e.granter, 30*time.Second, discard)
	e.rec.Now = func() time.Time { return t0 }
	e.rec.afterFunc = e.timers.after
	return e
}

func pendingOrder(id, ref string) models.Order {
	return models.Order{
		OrderId:           id,
		ExternalReference: ref,
		ClientIp:          "10.5.0.7",
		Amount:            5000,
		Status:            models.OrderPending,
		DeviceRef:         gwA.GatewayId,
		PlanDescription:   "1 Jam",
	}
}
