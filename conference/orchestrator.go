// Package conference runs the conference step of a call: it elects the
// server that owns a named conference through the shared store, queues
// callers until their conference starts, joins callers locally or moves them
// to the owning server, and deletes the conference record when the last
// member leaves.
package conference

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"featureserver/store"
)

var (
	// ErrEstablish means no owner could be established for a conference.
	ErrEstablish = errors.New("could not establish conference")
	// ErrProtocol means a hook returned something other than allowed verbs.
	ErrProtocol = errors.New("hook protocol violation")
	// ErrWaitList means the caller could not be queued on the wait list.
	ErrWaitList = errors.New("could not join wait list")
	// ErrMigration means the call could not be moved to the owning server.
	ErrMigration = errors.New("call migration failed")
	// ErrTransferRejected means the signaling layer refused the transfer.
	ErrTransferRejected = errors.New("transfer rejected")
)

const cleanupTimeout = 5 * time.Second

// Config describes this server to the conference engine.
type Config struct {
	// LocalAddress is the SIP address of this server. It is written as owner
	// of conferences started here and compared against owners read back.
	LocalAddress string
	// CallbackBase is the base URL of this server's notification endpoint.
	CallbackBase string
	// ContinuationTTL bounds how long a migrated call's instructions are kept.
	ContinuationTTL time.Duration
	// BeepDelay is how long after joining the entry tone is played.
	BeepDelay time.Duration
}

// Deps are the collaborators shared by all orchestrators on a server.
type Deps struct {
	Store      store.Store
	Registry   *Registry
	Notifier   *Notifier
	Hooks      HookRequester
	Player     Player
	Transferer Transferer
	Metrics    *Metrics
	Log        *logrus.Entry
}

// Service creates orchestrators for the call legs handled by this server.
type Service struct {
	cfg  Config
	deps Deps
}

// NewService creates a Service.
func NewService(cfg Config, deps Deps) *Service {
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{cfg: cfg, deps: deps}
}

// Registry returns the registry of orchestrators running on this server.
func (s *Service) Registry() *Registry { return s.deps.Registry }

func (s *Service) callbackURL(key, legID string) string {
	return fmt.Sprintf("%s/v1/conference/%s/%s", s.cfg.CallbackBase, url.PathEscape(key), url.PathEscape(legID))
}

// Options configure one conference step.
type Options struct {
	Name string
	// Beep plays a tone shortly after the caller joins.
	Beep bool
	// StartConferenceOnEnter starts the conference if it does not exist yet.
	// Nil means true.
	StartConferenceOnEnter *bool
	EndConferenceOnExit    bool
	MaxParticipants        int
	WaitHook               string
	EnterHook              string
}

func (o Options) autoStart() bool {
	return o.StartConferenceOnEnter == nil || *o.StartConferenceOnEnter
}

// Orchestrator drives one call leg through one conference attempt.
type Orchestrator struct {
	svc  *Service
	leg  Leg
	opts Options
	key  string
	log  *logrus.Entry

	mu           sync.Mutex
	started      bool
	action       Action
	joinAddress  string
	waiter       *waiter
	ep           Endpoint
	joined       bool
	memberID     int
	instanceID   string
	participants int // -1 until a membership event is seen
	killed       bool
	callMoved    bool
	replaced     bool
	beep         *time.Timer

	base     context.Context
	events   <-chan MemberEvent
	killOnce sync.Once
	killCh   chan struct{}
	done     chan struct{}
}

// New creates an Orchestrator for leg.
func (s *Service) New(leg Leg, opts Options) (*Orchestrator, error) {
	if opts.Name == "" {
		return nil, errors.New("conference name required")
	}
	key := Key(leg.AccountSID(), opts.Name)
	return &Orchestrator{
		svc:  s,
		leg:  leg,
		opts: opts,
		key:  key,
		log: s.deps.Log.WithFields(logrus.Fields{
			"conf":    key,
			"call_id": leg.CallID(),
		}),
		participants: -1,
		base:         context.Background(),
		killCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Run executes the conference step and returns when the leg's participation
// has ended: it left, was dropped, was moved to another server, or was
// killed. Errors are fatal for this step only.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already ran")
	}
	o.started = true
	o.base = ctx
	killed := o.killed
	o.mu.Unlock()

	reg := o.svc.deps.Registry
	reg.track(o)
	defer func() {
		o.finish()
		reg.untrack(o)
		close(o.done)
	}()
	if killed {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.killCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := o.run(runCtx)
	if err != nil && o.Killed() && errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		o.log.Infof("conference step ended with error: %v", err)
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context) error {
	res, err := ResolveOwnership(ctx, o.svc.deps.Store, o.log, o.key, o.svc.cfg.LocalAddress, o.opts.autoStart())
	if err != nil {
		return err
	}
	o.svc.deps.Metrics.outcomes.WithLabelValues(string(res.Action)).Inc()

	o.mu.Lock()
	o.action = res.Action
	o.joinAddress = res.JoinAddress
	o.mu.Unlock()

	switch res.Action {
	case ActionWait:
		return o.wait(ctx)
	case ActionJoin:
		return o.join(ctx)
	case ActionStart:
		return o.start(ctx)
	default:
		return fmt.Errorf("unknown action %q", res.Action)
	}
}

// finish releases the media endpoint of a call that is gone, unless the call
// now lives on another server.
func (o *Orchestrator) finish() {
	o.stopBeep()
	if o.CallMoved() || o.leg.Connected() {
		return
	}
	ctx, cancel := o.cleanupContext()
	defer cancel()
	if err := o.leg.ReleaseEndpoint(ctx); err != nil {
		o.log.Warnf("release endpoint: %v", err)
	}
}

// Kill ends the conference step. It interrupts playback, leaves the wait
// list or the conference, releases the endpoint of a gone call, and returns
// once all of that has happened or ctx is done.
func (o *Orchestrator) Kill(ctx context.Context) {
	o.mu.Lock()
	o.killed = true
	w := o.waiter
	started := o.started
	o.mu.Unlock()

	o.log.Info("kill")
	o.killOnce.Do(func() { close(o.killCh) })
	if w != nil {
		w.resolve(waitResult{cancelled: true})
	}
	if !started {
		return
	}
	select {
	case <-o.done:
	case <-ctx.Done():
	}
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

func (o *Orchestrator) cleanupContext() (context.Context, context.CancelFunc) {
	o.mu.Lock()
	base := o.base
	o.mu.Unlock()
	return context.WithTimeout(context.WithoutCancel(base), cleanupTimeout)
}

// Key returns the store key of the conference.
func (o *Orchestrator) Key() string { return o.key }

// Action returns the resolved action, empty until resolution completes.
func (o *Orchestrator) Action() Action {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.action
}

// JoinAddress returns the server the leg joined or was moved to.
func (o *Orchestrator) JoinAddress() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.joinAddress
}

// Killed reports whether Kill was called.
func (o *Orchestrator) Killed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.killed
}

// CallMoved reports whether the call was handed to another server. Final
// call status is then reported by that server, not this one.
func (o *Orchestrator) CallMoved() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.callMoved
}

// Replaced reports whether the leg got a fresh endpoint after being dropped
// from the conference.
func (o *Orchestrator) Replaced() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.replaced
}

// Member returns the local member and conference instance ids, if joined.
func (o *Orchestrator) Member() (memberID int, instanceID string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.memberID, o.instanceID, o.joined
}

// Participants returns the last conference size reported by the media
// engine, or -1 if none has been seen.
func (o *Orchestrator) Participants() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.participants
}

// Conference runs one conference step for leg to completion.
func (s *Service) Conference(ctx context.Context, leg Leg, opts Options) (*Orchestrator, error) {
	o, err := s.New(leg, opts)
	if err != nil {
		return nil, err
	}
	return o, o.Run(ctx)
}
