// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package engine

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emiago/audiosession/media/sdp"
	"github.com/emiago/audiosession/session"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	psdp "github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopbackIP = net.IPv4(127, 0, 0, 1)

func (r *eventRecorder) waitEvent(t *testing.T, match func(ev session.Event) bool) session.Event {
	t.Helper()
	var found session.Event
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, ev := range r.events {
			if match(ev) {
				found = ev
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

// waitState returns n-th transition into state
func (r *eventRecorder) waitState(t *testing.T, state session.DialogState, n int) session.InvitationState {
	t.Helper()
	var found session.InvitationState
	require.Eventually(t, func() bool {
		seen := 0
		for _, st := range r.states() {
			if st.State != state {
				continue
			}
			seen++
			if seen == n {
				found = st
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "waiting %s #%d", state, n)
	return found
}

func (r *eventRecorder) waitSDP(t *testing.T, n int) session.InvitationSDP {
	t.Helper()
	var found session.InvitationSDP
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		seen := 0
		for _, ev := range r.events {
			if sd, ok := ev.(session.InvitationSDP); ok {
				seen++
				if seen == n {
					found = sd
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

func newLoopbackEngine(t *testing.T, modify func(c *Config)) (*Engine, *eventRecorder) {
	rec := &eventRecorder{}
	conf := Config{
		Account:   sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1"},
		Password:  "secret",
		LocalIP:   loopbackIP,
		Transport: "udp",
		Formats:   sdp.NewFormats(sdp.FORMAT_TYPE_ULAW, sdp.FORMAT_TYPE_TELEPHONE_EVENT),
		Log:       zerolog.Nop(),
	}
	if modify != nil {
		modify(&conf)
	}

	e, err := New(conf, rec.handle)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)
	return e, rec
}

// testPeer is plain sipgo UA on loopback acting as remote party
type testPeer struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	dialog *sipgo.DialogUA
	port   int

	mu       sync.Mutex
	answered *sipgo.DialogServerSession
	received chan *sip.Request
}

func newTestPeer(t *testing.T) *testPeer {
	port, err := freePort("udp", loopbackIP)
	require.NoError(t, err)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("peer"))
	require.NoError(t, err)
	srv, err := sipgo.NewServer(ua)
	require.NoError(t, err)
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname("127.0.0.1"),
		sipgo.WithClientPort(port),
	)
	require.NoError(t, err)

	p := &testPeer{
		ua:     ua,
		srv:    srv,
		client: client,
		port:   port,
		dialog: &sipgo.DialogUA{
			Client: client,
			ContactHDR: sip.ContactHeader{
				Address: sip.Uri{Scheme: "sip", User: "peer", Host: "127.0.0.1", Port: port},
			},
		},
		received: make(chan *sip.Request, 10),
	}

	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		if d := p.dialogSession(); d != nil {
			d.ReadAck(req, tx)
		}
		p.record(req)
	})
	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		d := p.dialogSession()
		if d == nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
			return
		}
		if err := d.ReadBye(req, tx); err != nil {
			t.Log("peer failed to read BYE", err)
		}
		p.record(req)
	})
	return p
}

// serve must be called after handlers are registered
func (p *testPeer) serve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		p.ua.Close()
	})

	ready := make(chan struct{}, 1)
	hostport := net.JoinHostPort("127.0.0.1", strconv.Itoa(p.port))
	go p.srv.ListenAndServe(context.WithValue(ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyCtxValue(ready)), "udp", hostport)
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("peer listener not ready")
	}
}

func (p *testPeer) uri() sip.Uri {
	return sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1", Port: p.port}
}

func (p *testPeer) record(req *sip.Request) {
	select {
	case p.received <- req:
	default:
	}
}

func (p *testPeer) dialogSession() *sipgo.DialogServerSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answered
}

// answerInvites rings and answers every new INVITE with body. In dialog INVITE is answered with reinviteBody
func (p *testPeer) answerInvites(t *testing.T, body, reinviteBody []byte) {
	p.srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		if toTag(req) != "" {
			d := p.dialogSession()
			if d == nil {
				return
			}
			assert.NoError(t, d.ReadRequest(req, tx))
			assert.NoError(t, tx.Respond(sip.NewSDPResponseFromRequest(req, reinviteBody)))
			p.record(req)
			return
		}

		d, err := p.dialog.ReadInvite(req, tx)
		if !assert.NoError(t, err) {
			return
		}
		p.mu.Lock()
		p.answered = d
		p.mu.Unlock()

		assert.NoError(t, d.Respond(sip.StatusRinging, "Ringing", nil))
		assert.NoError(t, d.RespondSDP(body))
		<-d.Context().Done()
	})
}

// invite sends INVITE to engine and waits final answer. Provisional responses are passed to onResponse
func (p *testPeer) invite(ctx context.Context, e *Engine, body []byte, onResponse func(res *sip.Response)) (*sipgo.DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, e.contact.Address)
	if body != nil {
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody(body)
	}
	d, err := p.dialog.WriteInvite(ctx, req)
	if err != nil {
		return nil, err
	}
	return d, d.WaitAnswer(ctx, sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			if onResponse != nil {
				onResponse(res)
			}
			return nil
		},
	})
}

func waitRequest(t *testing.T, p *testPeer, method sip.RequestMethod) *sip.Request {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case req := <-p.received:
			if req.Method == method {
				return req
			}
		case <-timeout:
			t.Fatalf("peer did not receive %s", method)
			return nil
		}
	}
}

func testAudioSDP(port int, mode sdp.Mode) *psdp.SessionDescription {
	md := sdp.NewAudioMedia(port, sdp.NewFormats(sdp.FORMAT_TYPE_ULAW, sdp.FORMAT_TYPE_TELEPHONE_EVENT), mode)
	return sdp.NewAudioSession(loopbackIP, md)
}

func marshalSDP(t *testing.T, sd *psdp.SessionDescription) []byte {
	body, err := sd.Marshal()
	require.NoError(t, err)
	return body
}

// dialPeer establishes outgoing call answered by peer
func dialPeer(t *testing.T, e *Engine, rec *eventRecorder, p *testPeer) session.Invitation {
	t.Helper()
	inv, err := e.NewInvitation(p.uri())
	require.NoError(t, err)
	inv.SetOfferedLocalSDP(testAudioSDP(40000, sdp.ModeSendrecv))
	require.NoError(t, inv.SendInvite())

	rec.waitState(t, session.StateConfirmed, 1)
	waitRequest(t, p, sip.ACK)
	return inv
}

func TestIntegrationEngineDialBye(t *testing.T) {
	peer := newTestPeer(t)
	peer.answerInvites(t, marshalSDP(t, testAudioSDP(30000, sdp.ModeSendrecv)), nil)
	peer.serve(t)

	e, rec := newLoopbackEngine(t, nil)
	inv := dialPeer(t, e, rec, peer)

	sd := rec.waitSDP(t, 1)
	require.True(t, sd.Succeeded, sd.Err)
	md, err := sdp.FirstAudio(sd.RemoteSDP)
	require.NoError(t, err)
	assert.Equal(t, 30000, md.MediaName.Port.Value)

	early := rec.waitState(t, session.StateEarly, 1)
	assert.Equal(t, 180, early.Code)
	assert.Contains(t, early.Headers["Contact"], "peer@127.0.0.1")

	require.NoError(t, inv.Disconnect())
	waitRequest(t, peer, sip.BYE)
	ended := rec.waitState(t, session.StateDisconnected, 1)
	assert.Equal(t, session.StateDisconnecting, ended.Prev)

	var states []session.DialogState
	for _, st := range rec.states() {
		states = append(states, st.State)
	}
	assert.Equal(t, []session.DialogState{
		session.StateCalling,
		session.StateEarly,
		session.StateConnecting,
		session.StateConfirmed,
		session.StateDisconnecting,
		session.StateDisconnected,
	}, states)
}

func TestIntegrationEngineDialCancel(t *testing.T) {
	peer := newTestPeer(t)
	peer.srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		d, err := peer.dialog.ReadInvite(req, tx)
		if !assert.NoError(t, err) {
			return
		}
		defer d.Close()
		assert.NoError(t, d.Respond(sip.StatusRinging, "Ringing", nil))
		<-tx.Done()
	})
	peer.serve(t)

	e, rec := newLoopbackEngine(t, nil)
	inv, err := e.NewInvitation(peer.uri())
	require.NoError(t, err)
	inv.SetOfferedLocalSDP(testAudioSDP(40000, sdp.ModeSendrecv))
	require.NoError(t, inv.SendInvite())

	rec.waitState(t, session.StateEarly, 1)
	require.NoError(t, inv.Disconnect())

	ended := rec.waitState(t, session.StateDisconnected, 1)
	assert.Equal(t, int(sip.StatusRequestTerminated), ended.Code)
	assert.Equal(t, session.StateDisconnecting, ended.Prev)
}

func TestIntegrationEngineIncomingAckTimeout(t *testing.T) {
	ackTimeout := AckTimeout
	AckTimeout = 300 * time.Millisecond
	t.Cleanup(func() { AckTimeout = ackTimeout })

	e, rec := newLoopbackEngine(t, nil)
	peer := newTestPeer(t)
	peer.serve(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	offer := marshalSDP(t, testAudioSDP(30000, sdp.ModeSendrecv))
	answered := make(chan error, 1)
	var d *sipgo.DialogClientSession
	go func() {
		var err error
		d, err = peer.invite(ctx, e, offer, nil)
		answered <- err
	}()

	incoming := rec.waitState(t, session.StateIncoming, 1)
	inv := incoming.Invitation
	require.NotNil(t, inv.OfferedRemoteSDP())
	assert.Contains(t, incoming.Headers["Contact"], "peer@127.0.0.1")

	require.NoError(t, inv.RespondProvisionally())
	inv.SetOfferedLocalSDP(testAudioSDP(40000, sdp.ModeSendrecv))
	require.NoError(t, inv.Accept())

	// Peer never ACKs the 200
	require.NoError(t, <-answered)
	assert.Equal(t, sip.StatusOK, d.InviteResponse.StatusCode)

	ended := rec.waitState(t, session.StateDisconnected, 1)
	assert.Equal(t, 408, ended.Code)
	assert.Equal(t, session.StateConnecting, ended.Prev)
}

func TestIntegrationEngineIncomingCancel(t *testing.T) {
	e, rec := newLoopbackEngine(t, nil)
	peer := newTestPeer(t)
	peer.serve(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	offer := marshalSDP(t, testAudioSDP(30000, sdp.ModeSendrecv))
	answered := make(chan error, 1)
	var d *sipgo.DialogClientSession
	go func() {
		var err error
		d, err = peer.invite(ctx, e, offer, func(res *sip.Response) {
			if res.StatusCode == sip.StatusRinging {
				cancel()
			}
		})
		answered <- err
	}()

	inv := rec.waitState(t, session.StateIncoming, 1).Invitation
	require.NoError(t, inv.RespondProvisionally())

	select {
	case err := <-answered:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("CANCEL was not answered")
	}
	assert.Equal(t, sip.StatusRequestTerminated, d.InviteResponse.StatusCode)

	ended := rec.waitState(t, session.StateDisconnected, 1)
	assert.Equal(t, int(sip.StatusRequestTerminated), ended.Code)
	assert.Equal(t, session.StateEarly, ended.Prev)
}

func TestIntegrationEngineIncomingWithoutOffer(t *testing.T) {
	e, rec := newLoopbackEngine(t, nil)
	peer := newTestPeer(t)
	peer.serve(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	answered := make(chan error, 1)
	var d *sipgo.DialogClientSession
	go func() {
		var err error
		d, err = peer.invite(ctx, e, nil, nil)
		answered <- err
	}()

	inv := rec.waitState(t, session.StateIncoming, 1).Invitation
	assert.Nil(t, inv.OfferedRemoteSDP())
	require.NoError(t, inv.Disconnect())

	require.Error(t, <-answered)
	require.NotNil(t, d)
	assert.Equal(t, sip.StatusBusyHere, d.InviteResponse.StatusCode)
	ended := rec.waitState(t, session.StateDisconnected, 1)
	assert.Equal(t, int(sip.StatusBusyHere), ended.Code)
}

func TestIntegrationEngineReinvite(t *testing.T) {
	peer := newTestPeer(t)
	peer.answerInvites(t,
		marshalSDP(t, testAudioSDP(30000, sdp.ModeSendrecv)),
		marshalSDP(t, testAudioSDP(30000, sdp.ModeRecvonly)),
	)
	peer.serve(t)

	e, rec := newLoopbackEngine(t, nil)
	inv := dialPeer(t, e, rec, peer)
	rec.waitSDP(t, 1)

	t.Run("Outgoing", func(t *testing.T) {
		inv.SetOfferedLocalSDP(testAudioSDP(40000, sdp.ModeSendonly))
		require.NoError(t, inv.SendReinvite())

		waitRequest(t, peer, sip.INVITE)
		sd := rec.waitSDP(t, 2)
		require.True(t, sd.Succeeded, sd.Err)
		assert.Equal(t, sdp.ModeRecvonly, sdp.SessionMode(sd.RemoteSDP))
		assert.Equal(t, sdp.ModeSendonly, sdp.SessionMode(inv.ActiveLocalSDP()))
		waitRequest(t, peer, sip.ACK)
	})

	d := peer.dialogSession()
	require.NotNil(t, d)
	reinvite := func(body []byte) chan *sip.Response {
		req := sip.NewRequest(sip.INVITE, e.contact.Address)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody(body)
		resCh := make(chan *sip.Response, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := d.Do(ctx, req)
			if !assert.NoError(t, err) {
				close(resCh)
				return
			}
			if res.IsSuccess() {
				assert.NoError(t, d.WriteRequest(sip.NewAckRequest(req, res, nil)))
			}
			resCh <- res
		}()
		return resCh
	}

	t.Run("Incoming", func(t *testing.T) {
		resCh := reinvite(marshalSDP(t, testAudioSDP(30002, sdp.ModeSendonly)))

		rec.waitState(t, session.StateReinvited, 1)
		assert.Equal(t, sdp.ModeSendonly, sdp.SessionMode(inv.OfferedRemoteSDP()))
		inv.SetOfferedLocalSDP(testAudioSDP(40000, sdp.ModeRecvonly))
		require.NoError(t, inv.RespondToReinvite())

		res := <-resCh
		require.NotNil(t, res)
		assert.Equal(t, sip.StatusOK, res.StatusCode)
		offer, err := sdp.Parse(res.Body())
		require.NoError(t, err)
		assert.Equal(t, sdp.ModeRecvonly, sdp.SessionMode(offer))

		sd := rec.waitSDP(t, 3)
		require.True(t, sd.Succeeded, sd.Err)
		assert.Equal(t, session.StateConfirmed, inv.State())
	})

	t.Run("IncomingRejected", func(t *testing.T) {
		video := testAudioSDP(30004, sdp.ModeSendrecv)
		video.MediaDescriptions[0].MediaName.Media = "video"
		resCh := reinvite(marshalSDP(t, video))

		rec.waitState(t, session.StateReinvited, 2)
		require.NoError(t, inv.RejectReinvite())

		res := <-resCh
		require.NotNil(t, res)
		assert.Equal(t, sip.StatusCode(488), res.StatusCode)

		st := rec.waitState(t, session.StateConfirmed, 3)
		assert.Equal(t, 488, st.Code)
		// Previous offer is kept
		assert.Equal(t, sdp.ModeSendonly, sdp.SessionMode(inv.OfferedRemoteSDP()))
		assert.ErrorIs(t, inv.RejectReinvite(), ErrInvalidState)
	})

	require.NoError(t, inv.Disconnect())
	waitRequest(t, peer, sip.BYE)
	rec.waitState(t, session.StateDisconnected, 1)
}

func TestIntegrationEngineRegister(t *testing.T) {
	peer := newTestPeer(t)
	auths := make(chan string, 4)
	peer.srv.OnRegister(func(req *sip.Request, tx sip.ServerTransaction) {
		h := req.GetHeader("Authorization")
		if h == nil {
			res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
			res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="127.0.0.1", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", algorithm=MD5`))
			tx.Respond(res)
			return
		}
		auths <- h.Value()
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		res.AppendHeader(sip.NewHeader("Expires", "120"))
		tx.Respond(res)
	})
	peer.serve(t)

	traceDir := t.TempDir()
	e, rec := newLoopbackEngine(t, func(c *Config) {
		c.Account.Port = peer.port
		c.TraceDir = traceDir
	})

	reg, err := e.NewRegistration()
	require.NoError(t, err)
	require.NoError(t, reg.Register())

	ev := rec.waitEvent(t, func(ev session.Event) bool {
		st, ok := ev.(session.RegistrationState)
		return ok && st.State == session.RegistrationRegistered
	}).(session.RegistrationState)
	assert.Equal(t, 200, ev.Code)
	assert.Equal(t, 120, ev.Expires)
	assert.Contains(t, ev.Contact, "alice@127.0.0.1")

	auth := <-auths
	assert.Contains(t, auth, `username="alice"`)
	assert.Contains(t, auth, `realm="127.0.0.1"`)

	require.NoError(t, reg.Unregister())
	unreg := rec.waitEvent(t, func(ev session.Event) bool {
		st, ok := ev.(session.RegistrationState)
		return ok && st.State == session.RegistrationUnregistered
	}).(session.RegistrationState)
	assert.Equal(t, 200, unreg.Code)

	// Trace stays open until engine is stopped
	e.Stop()
	require.NoError(t, e.CloseTrace())
	data, err := os.ReadFile(filepath.Join(traceDir, "sip_trace.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"method":"REGISTER"`)
	assert.Contains(t, string(data), `"status":401`)
	assert.Contains(t, string(data), `"direction":"RECEIVED"`)
}

func TestIntegrationEngineRegisterForbidden(t *testing.T) {
	peer := newTestPeer(t)
	peer.srv.OnRegister(func(req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil))
	})
	peer.serve(t)

	e, rec := newLoopbackEngine(t, func(c *Config) {
		c.Account.Port = peer.port
	})
	reg, err := e.NewRegistration()
	require.NoError(t, err)
	require.NoError(t, reg.Register())

	ev := rec.waitEvent(t, func(ev session.Event) bool {
		_, ok := ev.(session.RegistrationState)
		return ok
	}).(session.RegistrationState)
	assert.Equal(t, session.RegistrationFailed, ev.State)
	assert.Equal(t, 403, ev.Code)
	assert.Equal(t, "Forbidden", ev.Reason)
}
