// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"strconv"
	"strings"
)

const (
	FORMAT_TYPE_ULAW            = "0"
	FORMAT_TYPE_ALAW            = "8"
	FORMAT_TYPE_TELEPHONE_EVENT = "101"
)

type Formats []string

func NewFormats(fmts ...string) Formats {
	return Formats(fmts)
}

//	If the <proto> sub-field is "RTP/AVP" or "RTP/SAVP" the <fmt>//
//
// sub-fields contain RTP payload type numbers.
func (fmts Formats) ToNumeric() (nfmts []int, err error) {
	nfmt := make([]int, len(fmts))
	for i, f := range fmts {
		nfmt[i], err = strconv.Atoi(f)
		if err != nil {
			return
		}
	}
	return nfmt, nil
}

func (fmts Formats) String() string {
	out := make([]string, len(fmts))
	for i, v := range fmts {
		switch v {
		case FORMAT_TYPE_ULAW:
			out[i] = "0(ulaw)"
		case FORMAT_TYPE_ALAW:
			out[i] = "8(alaw)"
		case FORMAT_TYPE_TELEPHONE_EVENT:
			out[i] = "101(dtmf)"
		default:
			out[i] = v
		}
	}
	return strings.Join(out, ",")
}

// Has reports whether format is present
func (fmts Formats) Has(f string) bool {
	for _, v := range fmts {
		if v == f {
			return true
		}
	}
	return false
}

// rtpmap returns rtpmap and optional fmtp attribute values for known formats
func rtpmap(f string) (rtpmap string, fmtp string) {
	switch f {
	case FORMAT_TYPE_ULAW:
		return "0 PCMU/8000", ""
	case FORMAT_TYPE_ALAW:
		return "8 PCMA/8000", ""
	case FORMAT_TYPE_TELEPHONE_EVENT:
		return "101 telephone-event/8000", "101 0-16"
	}
	return "", ""
}

// FormatNumeric returns payload type for RTP/AVP format.
// For unknown it returns 0
func FormatNumeric(f string) uint8 {
	pt, err := strconv.Atoi(f)
	if err != nil || pt < 0 || pt > 127 {
		return 0
	}
	return uint8(pt)
}
