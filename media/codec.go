// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"fmt"
	"strings"
	"time"

	"github.com/emiago/audiosession/media/sdp"
)

var (
	// Here are some codec constants that can be reused
	CodecAudioUlaw          = Codec{Name: "PCMU", PayloadType: 0, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
	CodecAudioAlaw          = Codec{Name: "PCMA", PayloadType: 8, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
	CodecTelephoneEvent8000 = Codec{Name: "telephone-event", PayloadType: 101, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
)

type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	SampleDur   time.Duration
}

func (c *Codec) String() string {
	return fmt.Sprintf("name=%s pt=%d rate=%d dur=%s", c.Name, c.PayloadType, c.SampleRate, c.SampleDur.String())
}

// SampleTimestamp is RTP timestamp increment per packet
func (c *Codec) SampleTimestamp() uint32 {
	return uint32(float64(c.SampleRate) * c.SampleDur.Seconds())
}

// Samples is number of samples per packet
func (c *Codec) Samples() int {
	return int(c.SampleTimestamp())
}

// CodecFromFormat maps supported SDP format
func CodecFromFormat(f string) (Codec, bool) {
	switch f {
	case sdp.FORMAT_TYPE_ULAW:
		return CodecAudioUlaw, true
	case sdp.FORMAT_TYPE_ALAW:
		return CodecAudioAlaw, true
	}
	return Codec{}, false
}

// FormatsFromCodecNames converts configured codec names into offered formats.
// Names that can not be served are returned as unsupported.
func FormatsFromCodecNames(names []string) (fmts sdp.Formats, unsupported []string) {
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "g711", "pcmu", "pcma":
			for _, f := range []string{sdp.FORMAT_TYPE_ULAW, sdp.FORMAT_TYPE_ALAW} {
				if !fmts.Has(f) {
					fmts = append(fmts, f)
				}
			}
		case "":
		default:
			unsupported = append(unsupported, n)
		}
	}
	if len(fmts) > 0 {
		fmts = append(fmts, sdp.FORMAT_TYPE_TELEPHONE_EVENT)
	}
	return fmts, unsupported
}
