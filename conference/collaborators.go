package conference

import (
	"context"
	"encoding/json"
	"fmt"
)

// Instruction is one verb of a call's application, as returned by a hook.
// Only the verb is interpreted here; the full object is kept so it can be
// handed to a Player or carried across a migration untouched.
type Instruction struct {
	Verb string
	Raw  json.RawMessage
}

// UnmarshalJSON keeps the original object and extracts its verb.
func (i *Instruction) UnmarshalJSON(b []byte) error {
	var head struct {
		Verb string `json:"verb"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return fmt.Errorf("instruction: %w", err)
	}
	i.Verb = head.Verb
	i.Raw = append(i.Raw[:0], b...)
	return nil
}

// MarshalJSON writes the original object back out.
func (i Instruction) MarshalJSON() ([]byte, error) {
	if len(i.Raw) > 0 {
		return i.Raw, nil
	}
	return json.Marshal(struct {
		Verb string `json:"verb"`
	}{i.Verb})
}

// MemberEventKind tags a membership event from the media engine.
type MemberEventKind int

const (
	MemberAdded MemberEventKind = iota + 1
	MemberRemoved
)

func (k MemberEventKind) String() string {
	switch k {
	case MemberAdded:
		return "add-member"
	case MemberRemoved:
		return "del-member"
	default:
		return "unknown"
	}
}

// MemberEvent reports that a participant joined or left a conference
// instance. Size is the conference size after the change.
type MemberEvent struct {
	Kind       MemberEventKind
	InstanceID string
	MemberID   int
	Size       int
}

// JoinOptions are passed to the media engine when joining a conference.
type JoinOptions struct {
	// EndConferenceOnExit ends the conference for everybody when this member
	// leaves.
	EndConferenceOnExit bool
}

// JoinResult identifies the member created by a successful join.
type JoinResult struct {
	MemberID   int
	InstanceID string
}

// Endpoint is the media engine's control surface for one call leg.
type Endpoint interface {
	// Join places the leg in the named conference, creating it if needed.
	Join(ctx context.Context, name string, opts JoinOptions) (JoinResult, error)

	// API runs a media engine command and returns its text reply.
	API(ctx context.Context, cmd string) (string, error)

	// Events streams membership events for one conference instance. The
	// channel is closed when ctx is done or the subscription ends.
	Events(ctx context.Context, instanceID string) (<-chan MemberEvent, error)
}

// Leg is the call leg an Orchestrator acts for.
type Leg interface {
	CallID() string
	AccountSID() string

	// Connected reports whether the call's dialog is still up.
	Connected() bool

	Endpoint() Endpoint

	// ReplaceEndpoint allocates a fresh media endpoint for the call after it
	// was dropped from a conference.
	ReplaceEndpoint(ctx context.Context) (Endpoint, error)

	// ReleaseEndpoint frees the media endpoint once the call is gone.
	ReleaseEndpoint(ctx context.Context) error

	// RemainingInstructions is the part of the call's application that has
	// not run yet.
	RemainingInstructions() []Instruction

	// CallInfo is the payload sent to hooks.
	CallInfo() map[string]any
}

// HookRequester asks an application webhook for instructions.
type HookRequester interface {
	Request(ctx context.Context, hook string, payload any) ([]Instruction, error)
}

// Player runs a short list of instructions on a leg. Cancelling ctx stops
// playback.
type Player interface {
	Play(ctx context.Context, leg Leg, instructions []Instruction) error
}

// Transferer moves an established call to another server.
type Transferer interface {
	Transfer(ctx context.Context, callID, referTo string) error
}
