package conference

import (
	"context"
	"errors"
	"fmt"
)

var allowedHookVerbs = map[string]bool{
	"play":  true,
	"say":   true,
	"pause": true,
}

// fetchHook asks hook for instructions and checks that only announcement
// verbs came back.
func (o *Orchestrator) fetchHook(ctx context.Context, hook string) ([]Instruction, error) {
	instructions, err := o.svc.deps.Hooks.Request(ctx, hook, o.leg.CallInfo())
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", hook, err)
	}
	for _, in := range instructions {
		if !allowedHookVerbs[in.Verb] {
			return nil, fmt.Errorf("%w: unsupported verb %q from %s, only play, say and pause allowed", ErrProtocol, in.Verb, hook)
		}
	}
	return instructions, nil
}

// pollWaitHook plays the wait hook over and over until ctx is cancelled, the
// hook fails, or it returns no instructions.
func (o *Orchestrator) pollWaitHook(ctx context.Context) error {
	for ctx.Err() == nil {
		instructions, err := o.fetchHook(ctx, o.opts.WaitHook)
		if err != nil {
			return err
		}
		if len(instructions) == 0 {
			o.log.Debug("wait hook returned no instructions, stop polling")
			return nil
		}
		o.log.Debugf("executing %d wait hook instructions", len(instructions))
		if err := o.svc.deps.Player.Play(ctx, o.leg, instructions); err != nil {
			return fmt.Errorf("play wait hook: %w", err)
		}
	}
	return nil
}

// setWaiter publishes the pending wait so Kill can resolve it. It reports
// false if the orchestrator was killed before the wait began.
func (o *Orchestrator) setWaiter(w *waiter) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.killed && w != nil {
		return false
	}
	o.waiter = w
	return true
}

// wait queues the leg on the conference's wait list and blocks until it is
// woken by the starter or cancelled.
func (o *Orchestrator) wait(ctx context.Context) error {
	legID := o.leg.CallID()
	w := newWaiter()
	reg := o.svc.deps.Registry
	reg.addWaiter(o.key, legID, w)
	defer reg.removeWaiter(o.key, legID, w)
	if !o.setWaiter(w) {
		return nil
	}
	defer o.setWaiter(nil)

	callback := o.svc.callbackURL(o.key, legID)
	added, err := o.svc.deps.Store.AddToSet(ctx, WaitListKey(o.key), callback)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWaitList, err)
	}
	if added != 1 {
		return fmt.Errorf("%w: %s added %d members", ErrWaitList, callback, added)
	}
	o.log.Infof("waiting for conference to start, callback %s", callback)

	playCtx, stopPlay := context.WithCancel(ctx)
	hookDone := make(chan struct{})
	go func() {
		defer close(hookDone)
		if o.opts.WaitHook == "" {
			return
		}
		if err := o.pollWaitHook(playCtx); err != nil && playCtx.Err() == nil {
			o.log.Errorf("error playing wait hook: %v", err)
		}
	}()

	var res waitResult
	select {
	case res = <-w.ch:
	case <-ctx.Done():
		if !w.resolve(waitResult{cancelled: true}) {
			res = <-w.ch
		} else {
			res = waitResult{cancelled: true}
		}
	}
	stopPlay()
	<-hookDone

	if res.cancelled {
		o.leaveWaitList(callback)
		return nil
	}

	o.log.Infof("time to join conference on %s", res.notice.OwnerAddress)
	o.mu.Lock()
	o.joinAddress = res.notice.OwnerAddress
	o.mu.Unlock()
	if o.Killed() {
		return nil
	}
	return o.join(ctx)
}

// leaveWaitList removes the leg's callback from the wait list. Failure is
// only logged: a stale entry at worst earns a stray wake-up.
func (o *Orchestrator) leaveWaitList(callback string) {
	ctx, cancel := o.cleanupContext()
	defer cancel()

	removed, err := o.svc.deps.Store.RemoveFromSet(ctx, WaitListKey(o.key), callback)
	if err != nil {
		o.log.Warnf("remove %s from wait list: %v", callback, err)
		return
	}
	if removed == 0 {
		o.log.Debugf("%s already gone from wait list", callback)
	}
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
