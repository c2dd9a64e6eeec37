package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/sip"
)

var errUnknownCall = errors.New("call not found")

// requester sends SIP requests; gosip.Server is one.
type requester interface {
	Request(req sip.Request) (sip.ClientTransaction, error)
}

// SIPClient sends in-dialog requests on calls this server has answered.
type SIPClient struct {
	srv     requester
	timeout time.Duration
	mu      sync.Mutex
	calls   map[string]*callSession
}

type callSession struct {
	callID     string
	localAddr  *sip.Address
	remoteAddr *sip.Address
	target     sip.Uri
	cseq       uint
}

// NewSIPClient creates a new SIPClient. timeout bounds how long a request
// waits for its final response.
func NewSIPClient(srv requester, timeout time.Duration) *SIPClient {
	return &SIPClient{srv: srv, timeout: timeout, calls: make(map[string]*callSession)}
}

// TrackInvite remembers the dialog of an incoming INVITE so later requests
// can be sent within it.
func (c *SIPClient) TrackInvite(req sip.Request) (string, bool) {
	cid, ok := req.CallID()
	if !ok {
		return "", false
	}
	fromHdr, ok := req.From()
	if !ok {
		return "", false
	}
	toHdr, ok := req.To()
	if !ok {
		return "", false
	}

	sess := &callSession{
		callID:     cid.Value(),
		localAddr:  sip.NewAddressFromToHeader(toHdr),
		remoteAddr: sip.NewAddressFromFromHeader(fromHdr),
		target:     fromHdr.Address,
		cseq:       cseqOf(req),
	}
	if contact, ok := req.Contact(); ok {
		if uri, ok := contact.Address.(sip.Uri); ok {
			sess.target = uri
		}
	}

	c.mu.Lock()
	c.calls[sess.callID] = sess
	c.mu.Unlock()
	return sess.callID, true
}

// Confirm picks up the local tag from the ACK that completes the dialog.
func (c *SIPClient) Confirm(req sip.Request) {
	cid, ok := req.CallID()
	if !ok {
		return
	}
	toHdr, ok := req.To()
	if !ok || toHdr.Params == nil {
		return
	}
	tag, ok := toHdr.Params.Get("tag")
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.calls[cid.Value()]; ok {
		if sess.localAddr.Params == nil {
			sess.localAddr.Params = sip.NewParams()
		}
		sess.localAddr.Params = sess.localAddr.Params.Add("tag", tag)
	}
}

// Forget drops the dialog of a call that has ended.
func (c *SIPClient) Forget(callID string) {
	c.mu.Lock()
	delete(c.calls, callID)
	c.mu.Unlock()
}

// Hangup terminates a call identified by callID and waits for the BYE to be
// answered. The dialog is forgotten either way.
func (c *SIPClient) Hangup(ctx context.Context, callID string) error {
	sipLog.Infof("SIP Hangup call %s", callID)
	req, err := c.inDialog(callID, sip.BYE)
	if err != nil {
		return fmt.Errorf("build BYE: %w", err)
	}
	defer c.Forget(callID)

	res, err := c.send(ctx, req)
	if err != nil {
		return fmt.Errorf("BYE %s: %w", callID, err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("BYE %s: %d %s", callID, res.StatusCode(), res.Reason())
	}
	return nil
}

// Transfer asks the remote end of callID to re-establish the call towards
// referTo and waits for the REFER to be accepted. A rejected REFER hangs the
// call up, since it cannot continue here.
func (c *SIPClient) Transfer(ctx context.Context, callID, referTo string) error {
	sipLog.Infof("SIP REFER call %s to %s", callID, referTo)
	req, err := c.inDialog(callID, sip.REFER, referToHeader(referTo))
	if err != nil {
		return fmt.Errorf("build REFER: %w", err)
	}

	res, err := c.send(ctx, req)
	if err != nil {
		return fmt.Errorf("REFER %s: %w", callID, err)
	}
	if res.IsSuccess() {
		return nil
	}

	rejected := fmt.Errorf("REFER %s rejected: %d %s", callID, res.StatusCode(), res.Reason())
	if err := c.Hangup(ctx, callID); err != nil {
		sipLog.Warnf("hangup after rejected REFER: %v", err)
	}
	return rejected
}

// send issues req and waits for its final response.
func (c *SIPClient) send(ctx context.Context, req sip.Request) (sip.Response, error) {
	tx, err := c.srv.Request(req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method(), err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	for {
		select {
		case res := <-tx.Responses():
			if res == nil || res.IsProvisional() {
				continue
			}
			sipLog.Infof("received %s response: %d %s", req.Method(), res.StatusCode(), res.Reason())
			return res, nil
		case err := <-tx.Errors():
			if err != nil {
				return nil, fmt.Errorf("%s transaction: %w", req.Method(), err)
			}
		case <-tx.Done():
			return nil, fmt.Errorf("%s transaction ended without final response", req.Method())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// inDialog builds a request within the dialog of callID, bumping its CSeq.
func (c *SIPClient) inDialog(callID string, method sip.RequestMethod, headers ...sip.Header) (sip.Request, error) {
	c.mu.Lock()
	sess, ok := c.calls[callID]
	if ok {
		sess.cseq++
	}
	var (
		local, remote *sip.Address
		target        sip.Uri
		seq           uint
	)
	if ok {
		local, remote, target, seq = sess.localAddr.Clone(), sess.remoteAddr.Clone(), sess.target, sess.cseq
	}
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownCall, callID)
	}

	cid := sip.CallID(callID)
	rb := sip.NewRequestBuilder().
		SetMethod(method).
		SetRecipient(target).
		SetFrom(local).
		SetTo(remote).
		SetContact(&sip.Address{Uri: local.Uri}).
		SetCallID(&cid).
		SetSeqNo(seq)
	for _, h := range headers {
		rb.AddHeader(h)
	}
	return rb.Build()
}

func referToHeader(referTo string) sip.Header {
	return &sip.GenericHeader{HeaderName: "Refer-To", Contents: "<" + referTo + ">"}
}

func cseqOf(req sip.Request) uint {
	if h, ok := req.CSeq(); ok {
		return uint(h.SeqNo)
	}
	return 1
}
