package conference

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

var conferenceAbsent = regexp.MustCompile(`^No active conferences|Conference.*not found`)

const entryTone = "tone_stream://L=1;%(500,0,1500)"

// playHook plays the instructions returned by hook to the leg.
func (o *Orchestrator) playHook(ctx context.Context, hook string) error {
	instructions, err := o.fetchHook(ctx, hook)
	if err != nil {
		return err
	}
	o.log.Debugf("executing %d instructions on conference entry", len(instructions))
	return o.svc.deps.Player.Play(ctx, o.leg, instructions)
}

// enter plays the enter hook, if any, and reports whether the leg is still
// there to be joined afterwards.
func (o *Orchestrator) enter(ctx context.Context) bool {
	if o.opts.EnterHook != "" {
		if err := o.playHook(ctx, o.opts.EnterHook); err != nil && !isCancel(err) {
			o.log.Errorf("error playing enter hook: %v", err)
		}
	}
	if !o.leg.Connected() {
		o.log.Debug("caller hung up during entry prompt")
		return false
	}
	return !o.Killed()
}

// join attaches the leg to a conference that is already running, here or on
// another server.
func (o *Orchestrator) join(ctx context.Context) error {
	addr := o.JoinAddress()
	if addr != o.svc.cfg.LocalAddress {
		o.log.Infof("conference is hosted on %s, local server is %s", addr, o.svc.cfg.LocalAddress)
		return o.migrate(ctx, addr)
	}

	o.log.Info("conference is hosted locally")
	if !o.enter(ctx) {
		return nil
	}
	if err := o.joinConference(ctx, false); err != nil {
		return err
	}
	return o.track(ctx)
}

// start creates the conference on this server, then wakes everyone queued
// on its wait list.
func (o *Orchestrator) start(ctx context.Context) error {
	o.mu.Lock()
	o.joinAddress = o.svc.cfg.LocalAddress
	o.mu.Unlock()

	if !o.enter(ctx) {
		o.deprovision("starter left before joining")
		return nil
	}
	if err := o.joinConference(ctx, true); err != nil {
		o.deprovision("starter failed to join")
		return err
	}

	deliveries, err := o.svc.deps.Notifier.NotifyWaiters(ctx, o.key, o.svc.cfg.LocalAddress)
	if err != nil {
		o.log.Errorf("notify waiters: %v", err)
	} else if stranded := Stranded(deliveries); len(stranded) > 0 {
		o.log.Warnf("waiters not woken: %v", stranded)
	}
	return o.track(ctx)
}

// joinConference puts the leg's endpoint into the conference and subscribes
// to its membership events.
func (o *Orchestrator) joinConference(ctx context.Context, starting bool) error {
	ep := o.leg.Endpoint()
	if starting {
		reply, err := ep.API(ctx, fmt.Sprintf("conference %s list count", o.key))
		if err == nil && !conferenceAbsent.MatchString(reply) {
			o.log.Warn("asked to start conference but it unexpectedly exists")
		}
	}

	res, err := ep.Join(ctx, o.key, JoinOptions{EndConferenceOnExit: o.opts.EndConferenceOnExit})
	if err != nil {
		o.log.Errorf("failed to join conference: %v", err)
		return fmt.Errorf("join conference %s: %w", o.key, err)
	}
	o.log.Debugf("joined as member %d of instance %s", res.MemberID, res.InstanceID)

	events, err := ep.Events(ctx, res.InstanceID)
	if err != nil {
		o.log.Warnf("subscribe to conference events: %v", err)
		events = nil
	}

	o.mu.Lock()
	o.ep = ep
	o.joined = true
	o.memberID = res.MemberID
	o.instanceID = res.InstanceID
	o.events = events
	if o.opts.Beep {
		o.beep = time.AfterFunc(o.svc.cfg.BeepDelay, func() { o.playBeep(ep) })
	}
	o.mu.Unlock()

	if o.opts.MaxParticipants > 1 {
		cmd := fmt.Sprintf("conference %s set max_members %d", o.key, o.opts.MaxParticipants)
		if _, err := ep.API(ctx, cmd); err != nil {
			o.log.Errorf("set max participants to %d: %v", o.opts.MaxParticipants, err)
		}
	}
	return nil
}

func (o *Orchestrator) playBeep(ep Endpoint) {
	ctx, cancel := o.cleanupContext()
	defer cancel()
	if _, err := ep.API(ctx, fmt.Sprintf("conference %s play %s", o.key, entryTone)); err != nil {
		o.log.Warnf("play entry tone: %v", err)
	}
}

func (o *Orchestrator) stopBeep() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.beep != nil {
		o.beep.Stop()
		o.beep = nil
	}
}
