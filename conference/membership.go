package conference

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// track follows membership events until the leg leaves the conference,
// is dropped from it, or is killed.
func (o *Orchestrator) track(ctx context.Context) error {
	o.mu.Lock()
	events := o.events
	o.mu.Unlock()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if o.onMemberEvent(ev) {
				return nil
			}
		case <-o.killCh:
			o.leave()
			return nil
		case <-ctx.Done():
			o.leave()
			return nil
		}
	}
}

// onMemberEvent applies one membership event and reports whether it removed
// this leg from the conference.
func (o *Orchestrator) onMemberEvent(ev MemberEvent) bool {
	o.mu.Lock()
	instanceID, memberID := o.instanceID, o.memberID
	o.mu.Unlock()
	if ev.InstanceID != "" && ev.InstanceID != instanceID {
		return false
	}

	switch ev.Kind {
	case MemberAdded:
		o.setParticipants(ev.Size)
		o.log.Debugf("added member %d, size is %d", ev.MemberID, ev.Size)
	case MemberRemoved:
		o.setParticipants(ev.Size)
		o.log.Debugf("removed member %d, size is %d", ev.MemberID, ev.Size)
		if ev.MemberID == memberID {
			o.dropped(ev.Size)
			return true
		}
	default:
		o.log.Debugf("unhandled conference event %s", ev.Kind)
	}
	return false
}

func (o *Orchestrator) setParticipants(n int) {
	o.mu.Lock()
	o.participants = n
	o.mu.Unlock()
}

// dropped handles the media engine removing this leg, for example because
// the conference ended. The call gets a fresh endpoint so whatever comes
// next in its application can run.
func (o *Orchestrator) dropped(size int) {
	o.log.Info("removed from conference")
	o.stopBeep()

	ctx, cancel := o.cleanupContext()
	defer cancel()
	if o.leg.Connected() {
		ep, err := o.leg.ReplaceEndpoint(ctx)
		if err != nil {
			o.log.Errorf("replace endpoint: %v", err)
		} else {
			o.mu.Lock()
			o.ep = ep
			o.replaced = true
			o.mu.Unlock()
		}
	}
	if shouldDeprovision(size) {
		o.deprovision("last member dropped")
	}
}

// leave runs when the leg ends its participation itself.
func (o *Orchestrator) leave() {
	o.stopBeep()
	ctx, cancel := o.cleanupContext()
	defer cancel()

	o.mu.Lock()
	ep, memberID, size := o.ep, o.memberID, o.participants
	o.mu.Unlock()

	if size < 0 {
		n, err := o.queryCount(ctx, ep)
		if err != nil {
			o.log.Warnf("conference size unknown, keeping record: %v", err)
		}
		size = n
	}
	if size >= 0 && shouldDeprovision(size) {
		o.deprovision("last member left")
	}

	if size != 0 && o.leg.Connected() {
		cmd := fmt.Sprintf("conference %s hup %d", o.key, memberID)
		if _, err := ep.API(ctx, cmd); err != nil {
			o.log.Warnf("leave conference: %v", err)
		}
	}
}

// shouldDeprovision reports whether a leaving member was the last one in the
// conference. size is the conference size tracked when the member leaves,
// whether it left itself or was dropped; 0 means it was evicted.
func shouldDeprovision(size int) bool {
	return size <= 1
}

// deprovision deletes the conference record so the next caller starts a new
// conference. Failure is only logged.
func (o *Orchestrator) deprovision(reason string) {
	ctx, cancel := o.cleanupContext()
	defer cancel()

	existed, err := o.svc.deps.Store.Delete(ctx, o.key)
	if err != nil {
		o.log.Errorf("delete conference record (%s): %v", reason, err)
		return
	}
	if existed {
		o.svc.deps.Metrics.deprovisioned.Inc()
	}
	o.log.Infof("conference record deleted: %s", reason)
}

// queryCount asks the media engine how many members the conference has.
func (o *Orchestrator) queryCount(ctx context.Context, ep Endpoint) (int, error) {
	if ep == nil {
		return -1, fmt.Errorf("not joined")
	}
	reply, err := ep.API(ctx, fmt.Sprintf("conference %s list count", o.key))
	if err != nil {
		return -1, err
	}
	if conferenceAbsent.MatchString(reply) {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return -1, fmt.Errorf("parse member count %q: %w", reply, err)
	}
	return n, nil
}
