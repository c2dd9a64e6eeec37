package conference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"featureserver/store"
)

// Action is the outcome of ownership resolution.
type Action string

const (
	ActionWait  Action = "wait"
	ActionJoin  Action = "join"
	ActionStart Action = "start"
)

// Record is the value stored under a conference key.
type Record struct {
	OwnerAddress string `json:"ownerAddress"`
}

// Key returns the tenant scoped store key for a conference.
func Key(accountSID, name string) string {
	return fmt.Sprintf("conf:%s:%s", accountSID, name)
}

// WaitListKey returns the key of the set holding callers waiting for key.
func WaitListKey(key string) string {
	return key + ":waitlist"
}

// Resolution is the decision taken for one caller.
type Resolution struct {
	Action Action
	// JoinAddress is the owning node when Action is ActionJoin.
	JoinAddress string
}

func getRecord(ctx context.Context, s store.Store, key string) (Record, bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode conference record %s: %w", key, err)
	}
	return rec, true, nil
}

// ResolveOwnership decides whether the caller waits for, joins, or starts the
// conference stored under key. Exactly one caller can win the create; losers
// re-read the record and join whoever won. The create is never retried.
func ResolveOwnership(ctx context.Context, s store.Store, log *logrus.Entry, key, localAddress string, autoStart bool) (Resolution, error) {
	rec, ok, err := getRecord(ctx, s, key)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %w", ErrEstablish, err)
	}
	if ok {
		log.Infof("conference %s is already started on %s", key, rec.OwnerAddress)
		return Resolution{Action: ActionJoin, JoinAddress: rec.OwnerAddress}, nil
	}

	if !autoStart {
		log.Infof("conference %s does not exist, wait for moderator", key)
		return Resolution{Action: ActionWait}, nil
	}

	value, err := json.Marshal(Record{OwnerAddress: localAddress})
	if err != nil {
		return Resolution{}, err
	}
	created, err := s.CreateIfAbsent(ctx, key, string(value))
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %w", ErrEstablish, err)
	}
	if created {
		log.Infof("conference %s successfully provisioned", key)
		return Resolution{Action: ActionStart}, nil
	}

	log.Infof("conference %s provision failed, someone beat me to it", key)
	rec, ok, err = getRecord(ctx, s, key)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %w", ErrEstablish, err)
	}
	if !ok {
		log.Errorf("conference %s provision failed again", key)
		return Resolution{}, ErrEstablish
	}
	return Resolution{Action: ActionJoin, JoinAddress: rec.OwnerAddress}, nil
}
