package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghettovoice/gosip/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featureserver/conference"
	"featureserver/store"
)

// byeLeg is a caller waiting for a conference that can hang up.
type byeLeg struct {
	conference.Leg
	id        string
	connected atomic.Bool
	released  atomic.Int32
}

func (l *byeLeg) CallID() string { return l.id }
func (l *byeLeg) AccountSID() string { return "acct" }
func (l *byeLeg) Connected() bool { return l.connected.Load() }
func (l *byeLeg) CallInfo() map[string]any { return map[string]any{"call_sid": l.id} }
func (l *byeLeg) ReleaseEndpoint(context.Context) error {
	l.released.Add(1)
	return nil
}

func newTestServer(t *testing.T, st store.Store) (*featureServer, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := conference.NewMetrics(reg)
	svc := conference.NewService(conference.Config{
		LocalAddress:    "10.0.0.1:5060",
		CallbackBase:    "http://10.0.0.1:3000",
		ContinuationTTL: time.Minute,
	}, conference.Deps{
		Store:    st,
		Notifier: conference.NewNotifier(st, http.DefaultClient, confLog, metrics, time.Second, 2),
		Metrics:  metrics,
		Log:      confLog,
	})
	return newFeatureServer(nil, NewSIPClient(nil, 0), svc, reg, ":0"), reg
}

func TestFeatureServerRoutes(t *testing.T) {
	srv, _ := newTestServer(t, store.NewMemory())
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "featureserver_conference_deprovisioned_total")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/conference/conf:acct:room/leg1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestByeKillsWaitingCaller(t *testing.T) {
	st := store.NewMemory()
	srv, _ := newTestServer(t, st)

	leg := &byeLeg{id: "call-7"}
	leg.connected.Store(true)
	start := false

	errCh := make(chan error, 1)
	go func() {
		_, err := srv.Conference(context.Background(), leg, conference.Options{
			Name:                   "room",
			StartConferenceOnEnter: &start,
		})
		errCh <- err
	}()

	key := conference.Key("acct", "room")
	require.Eventually(t, func() bool {
		return srv.conf.Registry().Waiting(key) == 1
	}, time.Second, 5*time.Millisecond)

	srv.sipClient.TrackInvite(newRequest(t, sip.INVITE, "call-7", "remote", "", 1))
	leg.connected.Store(false)
	srv.handleBye(newRequest(t, sip.BYE, "call-7", "remote", "local", 2), nil)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("conference did not end after BYE")
	}

	assert.EqualValues(t, 1, leg.released.Load())
	members, err := st.ListSet(context.Background(), conference.WaitListKey(key))
	require.NoError(t, err)
	assert.Empty(t, members)

	require.Eventually(t, func() bool {
		_, err := srv.sipClient.inDialog("call-7", sip.BYE)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}
