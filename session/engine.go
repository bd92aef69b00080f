// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package session

import (
	"errors"
	"net"
	"time"

	"github.com/emiago/audiosession/media/sdp"
	"github.com/emiago/sipgo/sip"
	psdp "github.com/pion/sdp/v3"
)

var (
	// ErrNoDialog is returned when there is nothing to disconnect
	ErrNoDialog = errors.New("no active dialog")
)

type DialogState string

const (
	StateNull          DialogState = "NULL"
	StateIdle          DialogState = "IDLE"
	StateCalling       DialogState = "CALLING"
	StateIncoming      DialogState = "INCOMING"
	StateEarly         DialogState = "EARLY"
	StateConnecting    DialogState = "CONNECTING"
	StateConfirmed     DialogState = "CONFIRMED"
	StateReinvited     DialogState = "REINVITED"
	StateDisconnecting DialogState = "DISCONNECTING"
	StateDisconnected  DialogState = "DISCONNECTED"
)

// EventHandler receives engine events. It must not block.
type EventHandler func(ev Event)

// Engine is telephony engine driven by controller.
// All calls are done from controller goroutine and must not block on network.
// Results are reported back as events.
type Engine interface {
	Stop()
	// LocalAddr is address engine listens for SIP
	LocalAddr() (host string, port int)
	NewRegistration() (Registration, error)
	NewInvitation(target sip.Uri) (Invitation, error)
	// NewAudioTransport creates transport. remoteOffer is nil for outgoing calls
	NewAudioTransport(remoteOffer *psdp.SessionDescription) (AudioTransport, error)
	ConnectAudioTransport(t AudioTransport) error
	DisconnectAudioTransport(t AudioTransport) error
	RecordWav(path string) (Recording, error)
	PlayWav(path string) error
	SetEchoCancellation(tail time.Duration) error
	DetectNATType(host string, port int) error
}

type Registration interface {
	Register() error
	Unregister() error
}

// Invitation is single dialog, outgoing or incoming
type Invitation interface {
	State() DialogState
	CallerURI() sip.Uri
	CalleeURI() sip.Uri
	RemoteURI() sip.Uri

	SetOfferedLocalSDP(sd *psdp.SessionDescription)
	OfferedRemoteSDP() *psdp.SessionDescription
	// ActiveLocalSDP returns copy of currently negotiated local SDP
	ActiveLocalSDP() *psdp.SessionDescription
	ActiveRemoteSDP() *psdp.SessionDescription

	SendInvite() error
	RespondProvisionally() error
	Accept() error
	SendReinvite() error
	RespondToReinvite() error
	// RejectReinvite answers pending re-INVITE with 488 and keeps dialog
	RejectReinvite() error
	// Disconnect cancels, rejects or hangups dialog depending on state.
	// Returns ErrNoDialog when dialog is already ending
	Disconnect() error
}

type AudioTransport interface {
	Start(local *psdp.SessionDescription, remote *psdp.SessionDescription) error
	Stop() error
	IsStarted() bool
	IsActive() bool
	Codec() string
	SampleRate() int
	LocalRTPAddr() *net.UDPAddr
	RemoteRTPAddr() *net.UDPAddr
	Direction() sdp.Mode
	UpdateDirection(mode sdp.Mode) error
	// LocalMedia builds local audio media. With remoteOffer nil it is an offer,
	// otherwise answer on remoteOffer. Empty mode picks default direction.
	LocalMedia(remoteOffer *psdp.SessionDescription, mode sdp.Mode) *psdp.MediaDescription
	SendDTMF(digit rune) error
	Encrypted() bool
}

type Recording interface {
	FileName() string
	Stop() error
}

// Metrics is optional call accounting
type Metrics interface {
	CallStarted(direction string)
	CallEnded(direction string, outcome string, duration time.Duration)
	DTMFSent()
}

type noopMetrics struct{}

func (noopMetrics) CallStarted(string)                       {}
func (noopMetrics) CallEnded(string, string, time.Duration) {}
func (noopMetrics) DTMFSent()                                {}
