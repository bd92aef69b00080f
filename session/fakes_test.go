// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package session

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emiago/audiosession/media/sdp"
	"github.com/emiago/sipgo/sip"
	psdp "github.com/pion/sdp/v3"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeEngine struct {
	mu sync.Mutex

	stopped        bool
	reg            *fakeRegistration
	invitations    []*fakeInvitation
	transports     []*fakeTransport
	connects       int
	disconnects    int
	recordings     []*fakeRecording
	recordErr      error
	played         []string
	ecTail         []time.Duration
	natDetect      []string
	panicOnPlay    bool
	activeRecCount int
	maxActiveRec   int

	// onInvitation runs before invitation is returned to caller
	onInvitation func(inv *fakeInvitation)
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
}

func (e *fakeEngine) LocalAddr() (string, int) {
	return "127.0.0.1", 5060
}

func (e *fakeEngine) NewRegistration() (Registration, error) {
	e.reg = &fakeRegistration{}
	return e.reg, nil
}

func (e *fakeEngine) NewInvitation(target sip.Uri) (Invitation, error) {
	inv := newFakeInvitation(sip.Uri{User: "alice", Host: "example.com"}, target)
	e.invitations = append(e.invitations, inv)
	if e.onInvitation != nil {
		e.onInvitation(inv)
	}
	return inv, nil
}

func (e *fakeEngine) NewAudioTransport(remoteOffer *psdp.SessionDescription) (AudioTransport, error) {
	t := &fakeTransport{direction: sdp.ModeSendrecv}
	e.transports = append(e.transports, t)
	return t, nil
}

func (e *fakeEngine) ConnectAudioTransport(t AudioTransport) error {
	e.connects++
	return nil
}

func (e *fakeEngine) DisconnectAudioTransport(t AudioTransport) error {
	e.disconnects++
	return nil
}

func (e *fakeEngine) RecordWav(path string) (Recording, error) {
	if e.recordErr != nil {
		return nil, e.recordErr
	}
	rec := &fakeRecording{name: path, engine: e}
	e.recordings = append(e.recordings, rec)
	e.activeRecCount++
	e.maxActiveRec = max(e.maxActiveRec, e.activeRecCount)
	return rec, nil
}

func (e *fakeEngine) PlayWav(path string) error {
	if e.panicOnPlay {
		panic("sound card gone")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.played = append(e.played, path)
	return nil
}

func (e *fakeEngine) SetEchoCancellation(tail time.Duration) error {
	e.ecTail = append(e.ecTail, tail)
	return nil
}

func (e *fakeEngine) DetectNATType(host string, port int) error {
	e.natDetect = append(e.natDetect, fmt.Sprintf("%s:%d", host, port))
	return nil
}

type fakeRegistration struct {
	registers   int
	unregisters int
}

func (r *fakeRegistration) Register() error {
	r.registers++
	return nil
}

func (r *fakeRegistration) Unregister() error {
	r.unregisters++
	return nil
}

type fakeInvitation struct {
	state  DialogState
	caller sip.Uri
	callee sip.Uri

	offeredLocal  *psdp.SessionDescription
	offeredRemote *psdp.SessionDescription
	activeLocal   *psdp.SessionDescription
	activeRemote  *psdp.SessionDescription

	invites          int
	provisionals     int
	accepts          int
	reinvites        int
	reinviteAnswered int
	reinviteRejected int
	disconnects      int
}

func newFakeInvitation(caller sip.Uri, callee sip.Uri) *fakeInvitation {
	return &fakeInvitation{state: StateNull, caller: caller, callee: callee}
}

func (i *fakeInvitation) State() DialogState { return i.state }
func (i *fakeInvitation) CallerURI() sip.Uri { return i.caller }
func (i *fakeInvitation) CalleeURI() sip.Uri { return i.callee }
func (i *fakeInvitation) RemoteURI() sip.Uri { return i.callee }

func (i *fakeInvitation) SetOfferedLocalSDP(sd *psdp.SessionDescription) { i.offeredLocal = sd }
func (i *fakeInvitation) OfferedRemoteSDP() *psdp.SessionDescription      { return i.offeredRemote }

func (i *fakeInvitation) ActiveLocalSDP() *psdp.SessionDescription {
	sd, _ := sdp.Clone(i.activeLocal)
	return sd
}

func (i *fakeInvitation) ActiveRemoteSDP() *psdp.SessionDescription {
	sd, _ := sdp.Clone(i.activeRemote)
	return sd
}

func (i *fakeInvitation) SendInvite() error {
	i.invites++
	return nil
}

func (i *fakeInvitation) RespondProvisionally() error {
	i.provisionals++
	return nil
}

func (i *fakeInvitation) Accept() error {
	i.accepts++
	return nil
}

func (i *fakeInvitation) SendReinvite() error {
	i.reinvites++
	return nil
}

func (i *fakeInvitation) RespondToReinvite() error {
	i.reinviteAnswered++
	return nil
}

func (i *fakeInvitation) RejectReinvite() error {
	i.reinviteRejected++
	return nil
}

func (i *fakeInvitation) Disconnect() error {
	if i.state == StateDisconnected || i.state == StateDisconnecting {
		return ErrNoDialog
	}
	i.disconnects++
	return nil
}

type fakeTransport struct {
	startErr  error
	starts    int
	stopped   bool
	direction sdp.Mode
	dtmf      []rune
	updates   []sdp.Mode
}

func (t *fakeTransport) Start(local *psdp.SessionDescription, remote *psdp.SessionDescription) error {
	if t.startErr != nil {
		return t.startErr
	}
	if local == nil || remote == nil {
		return errors.New("missing sdp")
	}
	t.starts++
	t.direction = sdp.SessionMode(local)
	return nil
}

func (t *fakeTransport) Stop() error {
	t.stopped = true
	return nil
}

func (t *fakeTransport) IsStarted() bool { return t.starts > 0 }
func (t *fakeTransport) IsActive() bool  { return t.starts > 0 && !t.stopped }
func (t *fakeTransport) Codec() string   { return "PCMU" }
func (t *fakeTransport) SampleRate() int { return 8000 }
func (t *fakeTransport) LocalRTPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
}
func (t *fakeTransport) RemoteRTPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 2), Port: 5000}
}
func (t *fakeTransport) Direction() sdp.Mode { return t.direction }

func (t *fakeTransport) UpdateDirection(mode sdp.Mode) error {
	t.updates = append(t.updates, mode)
	t.direction = mode
	return nil
}

func (t *fakeTransport) LocalMedia(remoteOffer *psdp.SessionDescription, mode sdp.Mode) *psdp.MediaDescription {
	if mode == "" {
		mode = sdp.ModeSendrecv
		if remoteOffer != nil {
			mode = sdp.SessionMode(remoteOffer).Reverse()
		}
	}
	return sdp.NewAudioMedia(4000, sdp.NewFormats("0", "101"), mode)
}

func (t *fakeTransport) SendDTMF(digit rune) error {
	t.dtmf = append(t.dtmf, digit)
	return nil
}

func (t *fakeTransport) Encrypted() bool { return false }

type fakeMetrics struct {
	started int
	ended   []string
}

func (m *fakeMetrics) CallStarted(string) { m.started++ }
func (m *fakeMetrics) CallEnded(_ string, outcome string, _ time.Duration) {
	m.ended = append(m.ended, outcome)
}
func (m *fakeMetrics) DTMFSent() {}

type fakeRecording struct {
	name    string
	stopped bool
	engine  *fakeEngine
}

func (r *fakeRecording) FileName() string { return r.name }

func (r *fakeRecording) Stop() error {
	if !r.stopped {
		r.stopped = true
		r.engine.activeRecCount--
	}
	return nil
}

func audioSDP(mode sdp.Mode) *psdp.SessionDescription {
	return sdp.NewAudioSession(net.IPv4(127, 0, 0, 2), sdp.NewAudioMedia(5000, sdp.NewFormats("0", "101"), mode))
}
