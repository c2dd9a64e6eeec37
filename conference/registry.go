package conference

import (
	"context"
	"sync"
)

// StartNotice is the wake-up sent to a waiting caller once its conference
// has been started somewhere in the fleet.
type StartNotice struct {
	OwnerAddress string `json:"ownerAddress"`
}

type waitResult struct {
	notice    StartNotice
	cancelled bool
}

// waiter is a single-shot future. The first resolve wins; later ones are
// dropped, so a stray wake-up after a kill (or a kill after a wake-up) has no
// effect on the waiting caller.
type waiter struct {
	once sync.Once
	ch   chan waitResult
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan waitResult, 1)}
}

func (w *waiter) resolve(r waitResult) bool {
	fired := false
	w.once.Do(func() {
		w.ch <- r
		fired = true
	})
	return fired
}

// Registry knows every Orchestrator running on this node: the ones blocked
// waiting for a conference, keyed by conference key and leg, and all of them
// keyed by call so a hangup can reach them.
type Registry struct {
	mu      sync.Mutex
	waiting map[string]map[string]*waiter
	calls   map[string]map[*Orchestrator]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		waiting: make(map[string]map[string]*waiter),
		calls:   make(map[string]map[*Orchestrator]struct{}),
	}
}

func (r *Registry) addWaiter(key, legID string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	legs, ok := r.waiting[key]
	if !ok {
		legs = make(map[string]*waiter)
		r.waiting[key] = legs
	}
	legs[legID] = w
}

func (r *Registry) removeWaiter(key, legID string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	legs := r.waiting[key]
	if legs[legID] != w {
		return
	}
	delete(legs, legID)
	if len(legs) == 0 {
		delete(r.waiting, key)
	}
}

// NotifyStart resolves the wait of the leg legID queued on conference key.
// An empty legID wakes every leg queued on key. It returns how many waits
// were resolved by this call; zero means the notice was stray.
func (r *Registry) NotifyStart(key, legID string, n StartNotice) int {
	r.mu.Lock()
	var targets []*waiter
	if legID == "" {
		for _, w := range r.waiting[key] {
			targets = append(targets, w)
		}
	} else if w, ok := r.waiting[key][legID]; ok {
		targets = append(targets, w)
	}
	r.mu.Unlock()

	woken := 0
	for _, w := range targets {
		if w.resolve(waitResult{notice: n}) {
			woken++
		}
	}
	return woken
}

// Waiting returns the number of legs queued on key on this node.
func (r *Registry) Waiting(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting[key])
}

func (r *Registry) track(o *Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := o.leg.CallID()
	set, ok := r.calls[id]
	if !ok {
		set = make(map[*Orchestrator]struct{})
		r.calls[id] = set
	}
	set[o] = struct{}{}
}

func (r *Registry) untrack(o *Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := o.leg.CallID()
	set := r.calls[id]
	delete(set, o)
	if len(set) == 0 {
		delete(r.calls, id)
	}
}

// KillCall kills every Orchestrator bound to callID and returns once all of
// them have finished their cleanup or ctx is done.
func (r *Registry) KillCall(ctx context.Context, callID string) int {
	r.mu.Lock()
	var targets []*Orchestrator
	for o := range r.calls[callID] {
		targets = append(targets, o)
	}
	r.mu.Unlock()

	for _, o := range targets {
		o.Kill(ctx)
	}
	return len(targets)
}
