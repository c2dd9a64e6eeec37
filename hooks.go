package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"featureserver/conference"
)

var errNoPlayback = errors.New("leg cannot play instructions")

// webhooks fetches conference instructions from application webhooks.
type webhooks struct {
	client *http.Client
}

func (w *webhooks) Request(ctx context.Context, hook string, payload any) ([]conference.Instruction, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %s: %d", hook, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var instructions []conference.Instruction
	if err := json.NewDecoder(resp.Body).Decode(&instructions); err != nil {
		return nil, fmt.Errorf("decode %s: %w", hook, err)
	}
	return instructions, nil
}

// legPlayer plays instructions through the leg itself when the call-control
// layer gave us a leg that can do so.
type legPlayer struct{}

type playingLeg interface {
	Play(ctx context.Context, instructions []conference.Instruction) error
}

func (legPlayer) Play(ctx context.Context, leg conference.Leg, instructions []conference.Instruction) error {
	p, ok := leg.(playingLeg)
	if !ok {
		return fmt.Errorf("%w: %s", errNoPlayback, leg.CallID())
	}
	return p.Play(ctx, instructions)
}
