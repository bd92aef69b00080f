// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package session

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/audiosession/audio"
)

var (
	RingInterval = 5 * time.Second
)

// Ringer periodically asks for ringtone playback until stopped
type Ringer struct {
	inbound bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// StartRinger starts ringing. Tone direction is fixed for ringer lifetime
func StartRinger(ctx context.Context, q *Queue, inbound bool, interval time.Duration) *Ringer {
	ctx, cancel := context.WithCancel(ctx)
	r := &Ringer{
		inbound: inbound,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	tone := audio.RingtoneOutbound
	if inbound {
		tone = audio.RingtoneInbound
	}

	go func() {
		defer close(r.done)
		t := time.NewTimer(0)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if ctx.Err() != nil {
				return
			}
			q.Put(PlayTone{Name: tone})
			t.Reset(interval)
		}
	}()
	return r
}

func (r *Ringer) Inbound() bool {
	return r.inbound
}

// Stop is cooperative. Ringer exits on next wake up
func (r *Ringer) Stop() {
	r.once.Do(r.cancel)
}

// Done is closed when ringer goroutine exits
func (r *Ringer) Done() <-chan struct{} {
	return r.done
}
