// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package session

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/emiago/audiosession/media/sdp"
	"github.com/emiago/sipgo/sip"
)

const (
	EchoTailStep = 10
	EchoTailMax  = 500
)

// HoldDirection returns direction we offer when placing call on hold or resuming it.
// While we are able to send we keep sending, otherwise we go down to inactive.
func HoldDirection(current sdp.Mode, hold bool) sdp.Mode {
	if current.CanSend() {
		if hold {
			return sdp.ModeSendonly
		}
		return sdp.ModeSendrecv
	}
	if hold {
		return sdp.ModeInactive
	}
	return sdp.ModeRecvonly
}

// StepEchoTail moves echo tail length in ms by one step. Result is always in [0,EchoTailMax].
// changed is false when value is already at bound.
func StepEchoTail(ms int, up bool) (next int, changed bool) {
	if up {
		if ms >= EchoTailMax {
			return EchoTailMax, false
		}
		return min(EchoTailMax, ms+EchoTailStep), true
	}
	if ms <= 0 {
		return 0, false
	}
	return max(0, ms-EchoTailStep), true
}

// RecordingPath builds <history>/<user>@<domain>/<YYYYmmdd-HHMMSS>-<src>-<dst>.wav
func RecordingPath(historyDir string, account sip.Uri, caller sip.Uri, callee sip.Uri, now time.Time) string {
	src := fmt.Sprintf("%s@%s", caller.User, caller.Host)
	dst := fmt.Sprintf("%s@%s", callee.User, callee.Host)
	dir := filepath.Join(historyDir, fmt.Sprintf("%s@%s", account.User, account.Host))
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%s.wav", now.Format("20060102-150405"), src, dst))
}
