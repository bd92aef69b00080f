// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// dtmfDigits is indexed by RFC 4733 event code
const dtmfDigits = "0123456789*#ABCD"

func dtmfEvent(digit rune) (uint8, bool) {
	i := strings.IndexRune(dtmfDigits, digit)
	return uint8(i), i >= 0
}

// IsDTMF reports whether digit can be sent as telephone-event
func IsDTMF(digit rune) bool {
	_, ok := dtmfEvent(digit)
	return ok
}

// DTMFEvent represents a DTMF event
type DTMFEvent struct {
	Event      uint8
	EndOfEvent bool
	Volume     uint8
	Duration   uint16
}

func (ev *DTMFEvent) String() string {
	return fmt.Sprintf("RTP DTMF Event: event=%d end=%v volume=%d duration=%d", ev.Event, ev.EndOfEvent, ev.Volume, ev.Duration)
}

// RTPDTMFEncode creates series of DTMF redudant events which should be encoded as payload
// It is currently only 8000 sample rate considered for telophone event
func RTPDTMFEncode(char rune) ([]DTMFEvent, error) {
	event, ok := dtmfEvent(char)
	if !ok {
		return nil, fmt.Errorf("not a dtmf digit %q", char)
	}

	events := make([]DTMFEvent, 7)
	for i := 0; i < 4; i++ {
		events[i] = DTMFEvent{
			Event:    event,
			Volume:   10,
			Duration: 160 * (uint16(i) + 1),
		}
	}

	// End events with redudancy. Duration must not be increased for end event
	for i := 4; i < 7; i++ {
		events[i] = DTMFEvent{
			Event:      event,
			EndOfEvent: true,
			Volume:     10,
			Duration:   160 * 5,
		}
	}
	return events, nil
}

// DTMFDecode decodes an RTP payload into a DTMF event
func DTMFDecode(payload []byte, d *DTMFEvent) error {
	if len(payload) < 4 {
		return fmt.Errorf("payload too short")
	}

	d.Event = payload[0]
	d.EndOfEvent = payload[1]&0x80 != 0
	d.Volume = payload[1] & 0x3F
	d.Duration = binary.BigEndian.Uint16(payload[2:4])
	return nil
}

func DTMFEncode(d DTMFEvent) []byte {
	header := make([]byte, 4)
	header[0] = d.Event

	if d.EndOfEvent {
		header[1] = 0x80
	}
	header[1] |= d.Volume & 0x3F
	binary.BigEndian.PutUint16(header[2:4], d.Duration)
	return header
}
