package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featureserver/conference"
)

func TestWebhooksRequest(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wait":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"verb":"play","url":"https://example.com/hold.mp3"},{"verb":"pause","length":3}]`))
		case "/empty":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	h := &webhooks{client: srv.Client()}

	instructions, err := h.Request(context.Background(), srv.URL+"/wait", map[string]any{"call_sid": "c1"})
	require.NoError(t, err)
	require.Len(t, instructions, 2)
	assert.Equal(t, "play", instructions[0].Verb)
	assert.JSONEq(t, `{"verb":"pause","length":3}`, string(instructions[1].Raw))
	assert.Equal(t, "c1", got["call_sid"])

	instructions, err = h.Request(context.Background(), srv.URL+"/empty", nil)
	require.NoError(t, err)
	assert.Empty(t, instructions)

	_, err = h.Request(context.Background(), srv.URL+"/broken", nil)
	assert.Error(t, err)
}

// stubLeg satisfies conference.Leg; unimplemented methods panic.
type stubLeg struct {
	conference.Leg
	id string
}

func (l *stubLeg) CallID() string { return l.id }

type playingStubLeg struct {
	stubLeg
	played []conference.Instruction
}

func (l *playingStubLeg) Play(_ context.Context, instructions []conference.Instruction) error {
	l.played = append(l.played, instructions...)
	return nil
}

func TestLegPlayer(t *testing.T) {
	var p legPlayer
	instructions := []conference.Instruction{{Verb: "say"}}

	err := p.Play(context.Background(), &stubLeg{id: "c1"}, instructions)
	assert.ErrorIs(t, err, errNoPlayback)

	leg := &playingStubLeg{stubLeg: stubLeg{id: "c2"}}
	require.NoError(t, p.Play(context.Background(), leg, instructions))
	assert.Equal(t, instructions, leg.played)
}
