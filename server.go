package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	gosip "github.com/ghettovoice/gosip"
	"github.com/ghettovoice/gosip/sip"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"featureserver/conference"
)

// featureServer connects the SIP server, the conference service and the
// HTTP endpoint other servers use to wake our waiting callers.
type featureServer struct {
	sipServer gosip.Server
	sipClient *SIPClient
	conf      *conference.Service
	httpSrv   *http.Server
}

func newFeatureServer(sipSrv gosip.Server, sipClient *SIPClient, conf *conference.Service, gatherer prometheus.Gatherer, listen string) *featureServer {
	router := conference.NewRouter(conference.NewHandler(conf.Registry(), confLog))
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	return &featureServer{
		sipServer: sipSrv,
		sipClient: sipClient,
		conf:      conf,
		httpSrv:   &http.Server{Addr: listen, Handler: router, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Router exposes the HTTP routes, mainly for tests.
func (s *featureServer) Router() *mux.Router {
	return s.httpSrv.Handler.(*mux.Router)
}

// Conference runs the conference step for leg and returns once the leg has
// left the conference or moved to the server that owns it.
func (s *featureServer) Conference(ctx context.Context, leg conference.Leg, opts conference.Options) (*conference.Orchestrator, error) {
	return s.conf.Conference(ctx, leg, opts)
}

// Start runs the feature server until ctx is canceled.
func (s *featureServer) Start(ctx context.Context) error {
	if s.sipServer != nil {
		if err := s.sipServer.OnRequest(sip.INVITE, s.handleInvite); err != nil {
			return err
		}
		if err := s.sipServer.OnRequest(sip.ACK, s.handleAck); err != nil {
			return err
		}
		if err := s.sipServer.OnRequest(sip.BYE, s.handleBye); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		coreLog.Infof("HTTP server listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// handleInvite remembers the dialog so the call can later be referred.
func (s *featureServer) handleInvite(req sip.Request, tx sip.ServerTransaction) {
	callID, ok := s.sipClient.TrackInvite(req)
	if !ok {
		sipLog.Warn("INVITE without Call-ID, From or To")
		s.respond(req, tx, sip.StatusCode(400), "Bad Request")
		return
	}
	sipLog.Infof("received SIP INVITE: %s", callID)
	s.respond(req, tx, sip.StatusCode(100), "Trying")
}

func (s *featureServer) handleAck(req sip.Request, _ sip.ServerTransaction) {
	s.sipClient.Confirm(req)
}

// handleBye tears down any conference activity of the call that hung up.
func (s *featureServer) handleBye(req sip.Request, tx sip.ServerTransaction) {
	s.respond(req, tx, sip.StatusCode(200), "OK")

	cid, ok := req.CallID()
	if !ok {
		return
	}
	callID := cid.Value()
	sipLog.Infof("received SIP BYE: %s", callID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if n := s.conf.Registry().KillCall(ctx, callID); n > 0 {
			confLog.Infof("killed %d conference tasks of %s", n, callID)
		}
		s.sipClient.Forget(callID)
	}()
}

func (s *featureServer) respond(req sip.Request, tx sip.ServerTransaction, status sip.StatusCode, reason string) {
	if tx == nil {
		return
	}
	if _, err := s.sipServer.RespondOnRequest(req, status, reason, "", nil); err != nil {
		sipLog.Warnf("respond %d: %v", status, err)
	}
}
