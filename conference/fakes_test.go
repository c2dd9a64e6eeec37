package conference

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"featureserver/store"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(l)
}

type fakeEndpoint struct {
	mu         sync.Mutex
	joins      []string
	joinOpts   []JoinOptions
	apis       []string
	joinErr    error
	countReply string
	memberID   int
	instanceID string
	events     chan MemberEvent
}

func newFakeEndpoint(memberID int) *fakeEndpoint {
	return &fakeEndpoint{
		memberID:   memberID,
		instanceID: "inst-1",
		countReply: "No active conferences.",
		events:     make(chan MemberEvent, 16),
	}
}

func (e *fakeEndpoint) Join(_ context.Context, name string, opts JoinOptions) (JoinResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joins = append(e.joins, name)
	e.joinOpts = append(e.joinOpts, opts)
	if e.joinErr != nil {
		return JoinResult{}, e.joinErr
	}
	return JoinResult{MemberID: e.memberID, InstanceID: e.instanceID}, nil
}

func (e *fakeEndpoint) API(_ context.Context, cmd string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apis = append(e.apis, cmd)
	if strings.HasSuffix(cmd, "list count") {
		return e.countReply, nil
	}
	return "+OK", nil
}

func (e *fakeEndpoint) Events(_ context.Context, _ string) (<-chan MemberEvent, error) {
	return e.events, nil
}

func (e *fakeEndpoint) joinCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.joins)
}

func (e *fakeEndpoint) joinOptions() []JoinOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]JoinOptions(nil), e.joinOpts...)
}

func (e *fakeEndpoint) apiCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.apis...)
}

type fakeLeg struct {
	id        string
	account   string
	ep        *fakeEndpoint
	connected atomic.Bool
	replaced  atomic.Int32
	released  atomic.Int32
	remaining []Instruction
}

func newFakeLeg(id string, memberID int) *fakeLeg {
	l := &fakeLeg{id: id, account: "acct", ep: newFakeEndpoint(memberID)}
	l.connected.Store(true)
	return l
}

func (l *fakeLeg) CallID() string           { return l.id }
func (l *fakeLeg) AccountSID() string       { return l.account }
func (l *fakeLeg) Connected() bool          { return l.connected.Load() }
func (l *fakeLeg) Endpoint() Endpoint       { return l.ep }
func (l *fakeLeg) CallInfo() map[string]any { return map[string]any{"call_sid": l.id} }

func (l *fakeLeg) RemainingInstructions() []Instruction { return l.remaining }

func (l *fakeLeg) ReplaceEndpoint(context.Context) (Endpoint, error) {
	l.replaced.Add(1)
	return newFakeEndpoint(0), nil
}

func (l *fakeLeg) ReleaseEndpoint(context.Context) error {
	l.released.Add(1)
	return nil
}

type fakeHooks struct {
	mu    sync.Mutex
	calls []string
	fn    func(hook string) ([]Instruction, error)
}

func (h *fakeHooks) Request(_ context.Context, hook string, _ any) ([]Instruction, error) {
	h.mu.Lock()
	h.calls = append(h.calls, hook)
	fn := h.fn
	h.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(hook)
}

func (h *fakeHooks) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// fakePlayer blocks until cancelled when block is set, otherwise returns at
// once.
type fakePlayer struct {
	block     bool
	plays     atomic.Int32
	cancelled atomic.Int32
	onPlay    func()
}

func (p *fakePlayer) Play(ctx context.Context, _ Leg, _ []Instruction) error {
	p.plays.Add(1)
	if p.onPlay != nil {
		p.onPlay()
	}
	if !p.block {
		return nil
	}
	<-ctx.Done()
	p.cancelled.Add(1)
	return ctx.Err()
}

type fakeTransferer struct {
	mu      sync.Mutex
	err     error
	referTo []string
}

func (t *fakeTransferer) Transfer(_ context.Context, _ string, referTo string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.referTo = append(t.referTo, referTo)
	return t.err
}

// flakyStore overrides selected operations of an in-memory store.
type flakyStore struct {
	*store.Memory
	createFn func() (bool, error)
	getFn    func() (string, error)
	addFn    func() (int, error)
	putFn    func() (bool, error)
}

func (f *flakyStore) CreateIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if f.createFn != nil {
		return f.createFn()
	}
	return f.Memory.CreateIfAbsent(ctx, key, value)
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, error) {
	if f.getFn != nil {
		return f.getFn()
	}
	return f.Memory.Get(ctx, key)
}

func (f *flakyStore) AddToSet(ctx context.Context, setKey, member string) (int, error) {
	if f.addFn != nil {
		return f.addFn()
	}
	return f.Memory.AddToSet(ctx, setKey, member)
}

func (f *flakyStore) PutWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.putFn != nil {
		return f.putFn()
	}
	return f.Memory.PutWithTTL(ctx, key, value, ttl)
}

var errBoom = errors.New("boom")

// newRedisStore returns a Redis store backed by an in-process server.
func newRedisStore(t *testing.T) *store.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewRedis(client)
}

// slowWaiter is a wake-up endpoint that holds each request for delay and
// records whether the sender gave up first.
type slowWaiter struct {
	*httptest.Server
	hit     chan struct{}
	aborted atomic.Bool
}

func newSlowWaiter(t *testing.T, delay time.Duration) *slowWaiter {
	t.Helper()
	w := &slowWaiter{hit: make(chan struct{}, 8)}
	w.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.hit <- struct{}{}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			w.aborted.Store(true)
		}
		rw.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(w.Close)
	return w
}

// testNode is one feature server: a Service plus its wake-up endpoint.
type testNode struct {
	svc        *Service
	registry   *Registry
	store      store.Store
	hooks      *fakeHooks
	player     *fakePlayer
	transferer *fakeTransferer
	server     *httptest.Server
}

func newTestNode(t *testing.T, s store.Store, localAddress string) *testNode {
	t.Helper()
	log := testLog()
	reg := NewRegistry()
	srv := httptest.NewServer(NewRouter(NewHandler(reg, log)))
	t.Cleanup(srv.Close)

	n := &testNode{
		registry:   reg,
		store:      s,
		hooks:      &fakeHooks{},
		player:     &fakePlayer{},
		transferer: &fakeTransferer{},
		server:     srv,
	}
	metrics := NewMetrics(nil)
	n.svc = NewService(Config{
		LocalAddress:    localAddress,
		CallbackBase:    srv.URL,
		ContinuationTTL: 30 * time.Second,
		BeepDelay:       time.Millisecond,
	}, Deps{
		Store:      s,
		Registry:   reg,
		Notifier:   NewNotifier(s, srv.Client(), log, metrics, time.Second, 4),
		Hooks:      n.hooks,
		Player:     n.player,
		Transferer: n.transferer,
		Metrics:    metrics,
		Log:        log,
	})
	return n
}

// runAsync starts o.Run and returns a channel receiving its result.
func runAsync(ctx context.Context, o *Orchestrator) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()
	return errCh
}

func boolPtr(b bool) *bool { return &b }
