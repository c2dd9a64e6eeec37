package conference

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ReferTarget is the SIP URI a call is transferred to so that the server at
// ownerAddress can pick up the continuation stored under key.
func ReferTarget(key, ownerAddress string) string {
	return fmt.Sprintf("sip:context-%s@%s", key, ownerAddress)
}

// migrate moves the call to the server owning the conference. The rest of
// the call's application is stored under a fresh key that expires on its
// own if the transfer never completes.
func (o *Orchestrator) migrate(ctx context.Context, ownerAddress string) error {
	m := o.svc.deps.Metrics

	payload, err := json.Marshal(o.leg.RemainingInstructions())
	if err != nil {
		m.migrations.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: encode instructions: %w", ErrMigration, err)
	}
	key := uuid.NewString()
	ok, err := o.svc.deps.Store.PutWithTTL(ctx, key, string(payload), o.svc.cfg.ContinuationTTL)
	if err == nil && !ok {
		err = fmt.Errorf("continuation %s not stored", key)
	}
	if err != nil {
		m.migrations.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: store continuation: %w", ErrMigration, err)
	}

	o.mu.Lock()
	o.callMoved = true
	o.mu.Unlock()

	referTo := ReferTarget(key, ownerAddress)
	o.log.Infof("moving call to %s", referTo)
	if err := o.svc.deps.Transferer.Transfer(ctx, o.leg.CallID(), referTo); err != nil {
		o.mu.Lock()
		o.callMoved = false
		o.mu.Unlock()
		o.log.Errorf("transfer to %s failed: %v", referTo, err)
		m.migrations.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %w", ErrTransferRejected, err)
	}
	m.migrations.WithLabelValues("moved").Inc()
	return nil
}
