// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package session

import (
	"errors"
	"fmt"
	"time"

	psdp "github.com/pion/sdp/v3"
)

// Event is anything put on the Queue. The set of events is closed.
type Event interface {
	isEvent()
}

// Print is text that should be shown to user as is
type Print struct {
	Text string
}

type RegState string

const (
	RegistrationRegistered   RegState = "registered"
	RegistrationFailed       RegState = "failed"
	RegistrationUnregistered RegState = "unregistered"
)

// RegistrationState is emitted by engine on every registration outcome
type RegistrationState struct {
	State   RegState
	Code    int
	Reason  string
	Contact string
	Expires int
}

// InvitationSDP reports SDP negotiation result of invitation
type InvitationSDP struct {
	Invitation Invitation
	Succeeded  bool
	LocalSDP   *psdp.SessionDescription
	RemoteSDP  *psdp.SessionDescription
	Err        error
}

// InvitationState reports dialog state transition
type InvitationState struct {
	Invitation Invitation
	State      DialogState
	Prev       DialogState
	Code       int
	Reason     string
	// Headers holds first value of interesting response or request headers
	// like User-Agent, Server, Contact
	Headers map[string]string
}

type NATTypeDetected struct {
	Succeeded bool
	NATType   string
	Err       error
}

// RTPTransportInit is emitted once media transport learned its public address
type RTPTransportInit struct {
	Succeeded bool
	Err       error
}

// EngineLog is raw engine log line. Printed only when tracing is enabled
type EngineLog struct {
	Time    time.Time
	Level   int
	Sender  string
	Message string
}

func (l EngineLog) String() string {
	return fmt.Sprintf("%s (%d) %14s: %s", l.Time.Format("2006-01-02 15:04:05.000"), l.Level, l.Sender, l.Message)
}

// UserInput carries raw bytes of single keystroke read
type UserInput struct {
	Data []byte
}

// PlayTone asks for playback of named tone file
type PlayTone struct {
	Name string
}

// EOF means user pressed Ctrl-D or input closed
type EOF struct{}

type End struct{}

type Unregister struct{}

type Quit struct{}

func (Print) isEvent()             {}
func (RegistrationState) isEvent() {}
func (InvitationSDP) isEvent()     {}
func (InvitationState) isEvent()   {}
func (NATTypeDetected) isEvent()   {}
func (RTPTransportInit) isEvent()  {}
func (EngineLog) isEvent()         {}
func (UserInput) isEvent()         {}
func (PlayTone) isEvent()          {}
func (EOF) isEvent()               {}
func (End) isEvent()               {}
func (Unregister) isEvent()        {}
func (Quit) isEvent()              {}

var (
	ErrEventNoInvitation = errors.New("event has no invitation")
	ErrEventNoState      = errors.New("event has no dialog state")
)

// NewInvitationState validates and builds state event
func NewInvitationState(inv Invitation, state DialogState, prev DialogState, code int, reason string, headers map[string]string) (InvitationState, error) {
	if inv == nil {
		return InvitationState{}, ErrEventNoInvitation
	}
	if state == "" {
		return InvitationState{}, ErrEventNoState
	}
	if headers == nil {
		headers = map[string]string{}
	}
	return InvitationState{
		Invitation: inv,
		State:      state,
		Prev:       prev,
		Code:       code,
		Reason:     reason,
		Headers:    headers,
	}, nil
}

// NewInvitationSDP validates and builds negotiation event
func NewInvitationSDP(inv Invitation, local *psdp.SessionDescription, remote *psdp.SessionDescription, err error) (InvitationSDP, error) {
	if inv == nil {
		return InvitationSDP{}, ErrEventNoInvitation
	}
	if err == nil && (local == nil || remote == nil) {
		err = errors.New("missing local or remote sdp")
	}
	return InvitationSDP{
		Invitation: inv,
		Succeeded:  err == nil,
		LocalSDP:   local,
		RemoteSDP:  remote,
		Err:        err,
	}, nil
}
