// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/audiosession/media/sdp"
	"github.com/emiago/audiosession/session"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	psdp "github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
)

var (
	// AckTimeout is how long answered call waits for ACK. 64*T1
	AckTimeout = 32 * time.Second
	// ReinviteAnswerTimeout bounds wait on controller answer for received re-INVITE
	ReinviteAnswerTimeout = 10 * time.Second
	// HangupTimeout bounds BYE and CANCEL transactions
	HangupTimeout = 10 * time.Second

	ErrInvalidState = errors.New("invalid invitation state")
)

var activeStates = []string{
	string(session.StateCalling),
	string(session.StateIncoming),
	string(session.StateEarly),
	string(session.StateConnecting),
	string(session.StateConfirmed),
	string(session.StateReinvited),
}

// Event names equal destination states
func newDialogFSM(callbacks fsm.Callbacks) *fsm.FSM {
	s := func(states ...session.DialogState) []string {
		out := make([]string, len(states))
		for i, st := range states {
			out[i] = string(st)
		}
		return out
	}
	allButDisconnected := append([]string{string(session.StateNull), string(session.StateDisconnecting)}, activeStates...)

	return fsm.NewFSM(
		string(session.StateNull),
		fsm.Events{
			{Name: string(session.StateCalling), Src: s(session.StateNull), Dst: string(session.StateCalling)},
			{Name: string(session.StateIncoming), Src: s(session.StateNull), Dst: string(session.StateIncoming)},
			{Name: string(session.StateEarly), Src: s(session.StateCalling, session.StateIncoming), Dst: string(session.StateEarly)},
			{Name: string(session.StateConnecting), Src: s(session.StateCalling, session.StateIncoming, session.StateEarly), Dst: string(session.StateConnecting)},
			{Name: string(session.StateConfirmed), Src: s(session.StateConnecting, session.StateReinvited), Dst: string(session.StateConfirmed)},
			{Name: string(session.StateReinvited), Src: s(session.StateConfirmed), Dst: string(session.StateReinvited)},
			{Name: string(session.StateDisconnecting), Src: activeStates, Dst: string(session.StateDisconnecting)},
			{Name: string(session.StateDisconnected), Src: allButDisconnected, Dst: string(session.StateDisconnected)},
		},
		callbacks,
	)
}

type transition struct {
	code    int
	reason  string
	headers map[string]string
}

// Invitation is single INVITE dialog driven by looplab/fsm.
// Client role sends INVITE, server role answers received one.
type Invitation struct {
	e        *Engine
	log      zerolog.Logger
	outbound bool
	callID   string
	fsm      *fsm.FSM

	caller sip.Uri
	callee sip.Uri

	mu            sync.Mutex
	offeredLocal  *psdp.SessionDescription
	offeredRemote *psdp.SessionDescription
	activeLocal   *psdp.SessionDescription
	activeRemote  *psdp.SessionDescription
	client        *sipgo.DialogClientSession
	server        *sipgo.DialogServerSession
	ackTimer      *time.Timer
	// reinvite receives controller decision on pending re-INVITE
	reinvite chan bool

	inviteReq  *sip.Request
	inviteTx   sip.ServerTransaction
	dialCtx    context.Context
	dialCancel context.CancelFunc
	answered   atomic.Bool

	settled   chan struct{}
	closeOnce sync.Once
}

func newInvitation(e *Engine, outbound bool) *Invitation {
	inv := &Invitation{
		e:        e,
		outbound: outbound,
		settled:  make(chan struct{}),
	}
	inv.fsm = newDialogFSM(fsm.Callbacks{
		"enter_state": func(_ context.Context, ev *fsm.Event) {
			t := transition{}
			if len(ev.Args) > 0 {
				t, _ = ev.Args[0].(transition)
			}
			inv.emitState(session.DialogState(ev.Dst), session.DialogState(ev.Src), t)
		},
	})
	return inv
}

func newClientInvitation(e *Engine, target sip.Uri) *Invitation {
	inv := newInvitation(e, true)
	inv.callID = uuid.NewString()
	inv.caller = e.identity()
	inv.callee = target
	inv.log = e.log.With().Str("caller", "invitation").Str("call_id", inv.callID).Logger()
	return inv
}

// newServerInvitation reads received INVITE. Offer is left nil when body
// carries no usable SDP and controller decides what to do with it.
func newServerInvitation(e *Engine, req *sip.Request, tx sip.ServerTransaction) (*Invitation, error) {
	sess, err := e.dialogUA.ReadInvite(req, tx)
	if err != nil {
		return nil, fmt.Errorf("handling new INVITE failed: %w", err)
	}

	inv := newInvitation(e, false)
	inv.callID = req.CallID().Value()
	inv.caller = req.From().Address
	inv.callee = req.To().Address
	inv.server = sess
	inv.inviteReq = req
	inv.inviteTx = tx
	inv.log = e.log.With().Str("caller", "invitation").Str("call_id", inv.callID).Logger()

	if offer, err := sdp.Parse(req.Body()); err == nil {
		inv.offeredRemote = offer
	} else {
		inv.log.Info().Err(err).Msg("INVITE without SDP offer")
	}

	// Transaction layer answers CANCEL and INVITE with 487 itself
	if stx, ok := tx.(*sip.ServerTx); ok {
		stx.OnCancel(func(*sip.Request) {
			go inv.cancelled()
		})
	}
	e.storeInvitation(inv.callID, inv)
	return inv, nil
}

func (inv *Invitation) emitState(state, prev session.DialogState, t transition) {
	ev, err := session.NewInvitationState(inv, state, prev, t.code, t.reason, t.headers)
	if err != nil {
		inv.log.Error().Err(err).Msg("Failed to build state event")
		return
	}
	inv.log.Debug().Str("state", string(state)).Str("prev", string(prev)).Int("code", t.code).Msg("Dialog state changed")
	inv.e.handler(ev)

	if state == session.StateDisconnected {
		inv.close()
	}
}

// transition moves dialog to state. Invalid or repeated transitions are dropped
// except EARLY which is reported for every provisional response.
func (inv *Invitation) transition(state session.DialogState, code int, reason string, headers map[string]string) bool {
	t := transition{code: code, reason: reason, headers: headers}
	if state == session.StateEarly && inv.State() == session.StateEarly {
		inv.emitState(state, state, t)
		return true
	}

	if err := inv.fsm.Event(context.Background(), string(state), t); err != nil {
		inv.log.Debug().Err(err).Str("state", string(state)).Msg("Transition dropped")
		return false
	}
	return true
}

func (inv *Invitation) close() {
	inv.closeOnce.Do(func() {
		inv.e.deleteInvitation(inv.callID)

		inv.mu.Lock()
		if inv.ackTimer != nil {
			inv.ackTimer.Stop()
		}
		client, server := inv.client, inv.server
		inv.mu.Unlock()

		if inv.dialCancel != nil {
			inv.dialCancel()
		}
		if client != nil {
			client.Close()
		}
		if server != nil {
			server.Close()
		}
		close(inv.settled)
	})
}

func (inv *Invitation) State() session.DialogState {
	return session.DialogState(inv.fsm.Current())
}

func (inv *Invitation) CallerURI() sip.Uri { return inv.caller }
func (inv *Invitation) CalleeURI() sip.Uri { return inv.callee }

func (inv *Invitation) RemoteURI() sip.Uri {
	if inv.outbound {
		return inv.callee
	}
	return inv.caller
}

func (inv *Invitation) SetOfferedLocalSDP(sd *psdp.SessionDescription) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.offeredLocal = sd
}

func (inv *Invitation) OfferedRemoteSDP() *psdp.SessionDescription {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.offeredRemote
}

func (inv *Invitation) ActiveLocalSDP() *psdp.SessionDescription {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	sd, _ := sdp.Clone(inv.activeLocal)
	return sd
}

func (inv *Invitation) ActiveRemoteSDP() *psdp.SessionDescription {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	sd, _ := sdp.Clone(inv.activeRemote)
	return sd
}

func (inv *Invitation) localBody() ([]byte, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.offeredLocal == nil {
		return nil, fmt.Errorf("no local SDP")
	}
	return inv.offeredLocal.Marshal()
}

// negotiated stores offer/answer pair as active and reports it
func (inv *Invitation) negotiated(local, remote *psdp.SessionDescription) {
	inv.mu.Lock()
	inv.activeLocal = local
	inv.activeRemote = remote
	inv.mu.Unlock()
	inv.emitSDP(local, remote, nil)
}

func (inv *Invitation) emitSDP(local, remote *psdp.SessionDescription, err error) {
	ev, berr := session.NewInvitationSDP(inv, local, remote, err)
	if berr != nil {
		inv.log.Error().Err(berr).Msg("Failed to build SDP event")
		return
	}
	inv.e.handler(ev)
}

// SendInvite starts outgoing call in background
func (inv *Invitation) SendInvite() error {
	if !inv.outbound || inv.State() != session.StateNull {
		return ErrInvalidState
	}
	body, err := inv.localBody()
	if err != nil {
		return err
	}

	e := inv.e
	req := sip.NewRequest(sip.INVITE, inv.callee)
	from := &sip.FromHeader{
		DisplayName: e.conf.DisplayName,
		Address:     inv.caller,
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", uuid.NewString())
	req.AppendHeader(from)
	callid := sip.CallIDHeader(inv.callID)
	req.AppendHeader(&callid)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)
	e.route(req)

	inv.dialCtx, inv.dialCancel = context.WithCancel(e.ctx)
	e.storeInvitation(inv.callID, inv)
	inv.transition(session.StateCalling, 0, "", nil)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		inv.dial(req)
	}()
	return nil
}

func (inv *Invitation) dial(req *sip.Request) {
	e := inv.e
	ctx := inv.dialCtx
	e.tracer.Request(traceOut, req)

	d, err := e.dialogUA.WriteInvite(ctx, req)
	if err != nil {
		code, reason := failureCode(ctx, err)
		inv.transition(session.StateDisconnected, code, reason, nil)
		return
	}
	inv.mu.Lock()
	inv.client = d
	inv.mu.Unlock()

	err = d.WaitAnswer(ctx, sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			e.tracer.Response(traceIn, res)
			switch res.StatusCode {
			case sip.StatusRinging, sip.StatusCode(183):
				inv.transition(session.StateEarly, int(res.StatusCode), res.Reason, messageHeaders(res, res.Contact()))
			}
			return nil
		},
		Username: e.conf.Username,
		Password: e.conf.Password,
	})
	if err != nil {
		code, reason := failureCode(ctx, err)
		var hdrs map[string]string
		if res := responseOf(err); res != nil {
			e.tracer.Response(traceIn, res)
			hdrs = messageHeaders(res, res.Contact())
		}
		inv.transition(session.StateDisconnected, code, reason, hdrs)
		return
	}

	res := d.InviteResponse
	e.tracer.Response(traceIn, res)
	inv.transition(session.StateConnecting, int(res.StatusCode), res.Reason, messageHeaders(res, res.Contact()))

	answer, perr := sdp.Parse(res.Body())
	if err := d.Ack(ctx); err != nil {
		inv.log.Error().Err(err).Msg("Failed to send ACK")
	}
	if !inv.transition(session.StateConfirmed, int(res.StatusCode), res.Reason, nil) {
		return
	}

	inv.mu.Lock()
	local := inv.offeredLocal
	inv.mu.Unlock()
	if perr != nil {
		inv.emitSDP(nil, nil, perr)
		return
	}
	inv.negotiated(local, answer)
}

// failureCode maps dial error to SIP status reported on DISCONNECTED
func failureCode(ctx context.Context, err error) (int, string) {
	if res := responseOf(err); res != nil {
		return int(res.StatusCode), res.Reason
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return int(sip.StatusRequestTerminated), "Request Terminated"
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return 408, "Request Timeout"
	}
	return 503, err.Error()
}

func responseOf(err error) *sip.Response {
	var resErr sipgo.ErrDialogResponse
	if errors.As(err, &resErr) {
		return resErr.Res
	}
	var resErrPtr *sipgo.ErrDialogResponse
	if errors.As(err, &resErrPtr) && resErrPtr != nil {
		return resErrPtr.Res
	}
	return nil
}

// serve keeps INVITE server transaction until it is answered or terminated
func (inv *Invitation) serve(ctx context.Context) {
	inv.transition(session.StateIncoming, 0, "", messageHeaders(inv.inviteReq, inv.inviteReq.Contact()))

	select {
	case <-inv.settled:
	case <-inv.inviteTx.Done():
		// CANCEL or transport failure before we answered
		if !inv.answered.Load() {
			inv.transition(session.StateDisconnected, int(sip.StatusRequestTerminated), "Request Terminated", nil)
		}
	case <-ctx.Done():
	}
}

func (inv *Invitation) respond(code sip.StatusCode, reason string, body []byte) error {
	inv.e.tracer.Response(traceOut, sip.NewResponseFromRequest(inv.inviteReq, code, reason, body))
	if body != nil {
		return inv.server.RespondSDP(body)
	}
	return inv.server.Respond(code, reason, nil)
}

func (inv *Invitation) RespondProvisionally() error {
	if inv.outbound || inv.State() != session.StateIncoming {
		return ErrInvalidState
	}
	if err := inv.respond(sip.StatusRinging, "Ringing", nil); err != nil {
		return err
	}
	inv.transition(session.StateEarly, int(sip.StatusRinging), "Ringing", nil)
	return nil
}

func (inv *Invitation) Accept() error {
	st := inv.State()
	if inv.outbound || (st != session.StateIncoming && st != session.StateEarly) {
		return ErrInvalidState
	}
	body, err := inv.localBody()
	if err != nil {
		return err
	}

	inv.answered.Store(true)
	if err := inv.respond(sip.StatusOK, "OK", body); err != nil {
		inv.answered.Store(false)
		return err
	}

	inv.mu.Lock()
	inv.activeLocal = inv.offeredLocal
	inv.activeRemote = inv.offeredRemote
	inv.ackTimer = time.AfterFunc(AckTimeout, inv.ackTimeout)
	inv.mu.Unlock()

	inv.transition(session.StateConnecting, int(sip.StatusOK), "OK", nil)
	return nil
}

func (inv *Invitation) ackTimeout() {
	if inv.State() != session.StateConnecting {
		return
	}
	inv.log.Info().Msg("ACK was never received")
	inv.hangup()
	inv.transition(session.StateDisconnected, 408, "Request Timeout", nil)
}

func (inv *Invitation) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if inv.server == nil {
		return
	}
	if err := inv.server.ReadAck(req, tx); err != nil {
		inv.log.Info().Err(err).Msg("Failed to read ACK")
		return
	}
	if inv.State() != session.StateConnecting {
		// ACK on re-INVITE answer
		return
	}

	inv.mu.Lock()
	if inv.ackTimer != nil {
		inv.ackTimer.Stop()
	}
	local, remote := inv.activeLocal, inv.activeRemote
	inv.mu.Unlock()

	if inv.transition(session.StateConfirmed, int(sip.StatusOK), "OK", nil) {
		inv.emitSDP(local, remote, nil)
	}
}

func (inv *Invitation) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	var err error
	inv.mu.Lock()
	client, server := inv.client, inv.server
	inv.mu.Unlock()
	switch {
	case client != nil:
		err = client.ReadBye(req, tx)
	case server != nil:
		err = server.ReadBye(req, tx)
	}
	if err != nil {
		inv.log.Info().Err(err).Msg("Failed to read BYE")
	}
	inv.transition(session.StateDisconnected, 0, "", messageHeaders(req, nil))
}

func (inv *Invitation) cancelled() {
	if inv.answered.Load() {
		return
	}
	inv.transition(session.StateDisconnected, int(sip.StatusRequestTerminated), "Request Terminated", nil)
}

func (inv *Invitation) handleCancel() {
	if inv.outbound || inv.answered.Load() {
		return
	}
	if err := inv.respond(sip.StatusRequestTerminated, "Request Terminated", nil); err != nil {
		inv.log.Info().Err(err).Msg("Failed to terminate INVITE")
	}
	inv.transition(session.StateDisconnected, int(sip.StatusRequestTerminated), "Request Terminated", nil)
}

// Disconnect ends dialog according to its state. Outgoing early dialog is
// cancelled, incoming one is rejected and confirmed one is hung up with BYE.
func (inv *Invitation) Disconnect() error {
	st := inv.State()
	switch st {
	case session.StateNull:
		inv.transition(session.StateDisconnected, 0, "", nil)
		return nil
	case session.StateDisconnecting, session.StateDisconnected:
		return session.ErrNoDialog
	}

	if !inv.transition(session.StateDisconnecting, 0, "", nil) {
		return session.ErrNoDialog
	}

	switch {
	case inv.outbound && (st == session.StateCalling || st == session.StateEarly):
		// WaitAnswer sends CANCEL and dial reports DISCONNECTED
		inv.dialCancel()
		return nil

	case !inv.outbound && (st == session.StateIncoming || st == session.StateEarly):
		code, reason := sip.StatusBusyHere, "Busy Here"
		if st == session.StateEarly {
			code, reason = sip.StatusCode(603), "Decline"
		}
		err := inv.respond(code, reason, nil)
		inv.transition(session.StateDisconnected, int(code), reason, nil)
		return err
	}

	e := inv.e
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		inv.hangup()
		inv.transition(session.StateDisconnected, 0, "", nil)
	}()
	return nil
}

func (inv *Invitation) hangup() {
	ctx, cancel := context.WithTimeout(context.Background(), HangupTimeout)
	defer cancel()

	inv.mu.Lock()
	client, server := inv.client, inv.server
	inv.mu.Unlock()

	var err error
	switch {
	case client != nil:
		err = client.Bye(ctx)
	case server != nil:
		err = server.Bye(ctx)
	}
	if err != nil {
		inv.log.Info().Err(err).Msg("Failed to send BYE")
	}
}

// remoteTarget is contact of remote party for in dialog requests
func (inv *Invitation) remoteTarget() (sip.Uri, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var contact *sip.ContactHeader
	switch {
	case inv.client != nil && inv.client.InviteResponse != nil:
		contact = inv.client.InviteResponse.Contact()
	case inv.server != nil:
		contact = inv.server.InviteRequest.Contact()
	}
	if contact == nil {
		return sip.Uri{}, fmt.Errorf("no remote contact")
	}
	return contact.Address, nil
}

// SendReinvite offers current local SDP in new INVITE. Answer is reported with InvitationSDP
func (inv *Invitation) SendReinvite() error {
	if inv.State() != session.StateConfirmed {
		return ErrInvalidState
	}
	body, err := inv.localBody()
	if err != nil {
		return err
	}
	target, err := inv.remoteTarget()
	if err != nil {
		return err
	}

	inv.mu.Lock()
	client, server := inv.client, inv.server
	local := inv.offeredLocal
	inv.mu.Unlock()

	e := inv.e
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		req := sip.NewRequest(sip.INVITE, target)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody(body)

		ctx, cancel := context.WithTimeout(e.ctx, HangupTimeout)
		defer cancel()

		var res *sip.Response
		var err error
		if client != nil {
			res, err = client.Do(ctx, req)
		} else {
			res, err = server.Do(ctx, req)
		}
		e.tracer.Request(traceOut, req)
		if err != nil {
			inv.emitSDP(nil, nil, fmt.Errorf("re-INVITE failed: %w", err))
			return
		}
		e.tracer.Response(traceIn, res)

		if !res.IsSuccess() {
			inv.emitSDP(nil, nil, sipgo.ErrDialogResponse{Res: res})
			return
		}
		ack := sip.NewAckRequest(req, res, nil)
		if err := e.client.WriteRequest(ack); err != nil {
			inv.log.Error().Err(err).Msg("Failed to send ACK on re-INVITE")
		}

		answer, err := sdp.Parse(res.Body())
		if err != nil {
			inv.emitSDP(nil, nil, err)
			return
		}
		inv.negotiated(local, answer)
	}()
	return nil
}

func (inv *Invitation) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	inv.mu.Lock()
	client, server := inv.client, inv.server
	inv.mu.Unlock()

	var err error
	switch {
	case client != nil:
		err = client.ReadRequest(req, tx)
	case server != nil:
		err = server.ReadRequest(req, tx)
	}
	if err != nil {
		inv.e.respond(req, tx, sip.StatusBadRequest, err.Error())
		return
	}

	offer, err := sdp.Parse(req.Body())
	if err != nil {
		inv.e.respond(req, tx, sip.StatusCode(488), "Not Acceptable Here")
		return
	}

	answerCh := make(chan bool, 1)
	inv.mu.Lock()
	prevOffer := inv.offeredRemote
	inv.offeredRemote = offer
	inv.reinvite = answerCh
	inv.mu.Unlock()

	if !inv.transition(session.StateReinvited, 0, "", messageHeaders(req, req.Contact())) {
		inv.e.respond(req, tx, sip.StatusCode(491), "Request Pending")
		return
	}

	select {
	case accepted := <-answerCh:
		if !accepted {
			inv.mu.Lock()
			inv.offeredRemote = prevOffer
			inv.mu.Unlock()
			inv.e.respond(req, tx, sip.StatusCode(488), "Not Acceptable Here")
			inv.transition(session.StateConfirmed, 488, "Not Acceptable Here", nil)
			return
		}
	case <-time.After(ReinviteAnswerTimeout):
		inv.e.respond(req, tx, sip.StatusInternalServerError, "Internal Server Error")
		inv.transition(session.StateConfirmed, 0, "", nil)
		return
	case <-inv.settled:
		return
	}

	body, err := inv.localBody()
	if err != nil {
		inv.e.respond(req, tx, sip.StatusInternalServerError, err.Error())
		inv.transition(session.StateConfirmed, 0, "", nil)
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	contact := inv.e.contact
	res.AppendHeader(&contact)
	inv.e.tracer.Response(traceOut, res)
	if err := tx.Respond(res); err != nil {
		inv.log.Error().Err(err).Msg("Failed to answer re-INVITE")
	}

	inv.mu.Lock()
	local := inv.offeredLocal
	inv.mu.Unlock()
	inv.transition(session.StateConfirmed, int(sip.StatusOK), "OK", nil)
	inv.negotiated(local, offer)
}

// RespondToReinvite answers pending re-INVITE with offered local SDP
func (inv *Invitation) RespondToReinvite() error {
	return inv.answerReinvite(true)
}

// RejectReinvite answers pending re-INVITE with 488. Dialog returns to CONFIRMED
func (inv *Invitation) RejectReinvite() error {
	return inv.answerReinvite(false)
}

func (inv *Invitation) answerReinvite(accept bool) error {
	inv.mu.Lock()
	ch := inv.reinvite
	inv.reinvite = nil
	inv.mu.Unlock()
	if ch == nil || inv.State() != session.StateReinvited {
		return ErrInvalidState
	}
	ch <- accept
	return nil
}
