// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"io"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	// RecordingFlushSize is number of stereo frames buffered before encoding
	RecordingFlushSize = 1024 * 4
)

// WavRecorder stores call audio as stereo 16 bit PCM WAV.
// Left channel is what we received, right channel is what we sent.
type WavRecorder struct {
	enc *wav.Encoder
	w   io.WriteSeeker

	mu     sync.Mutex
	left   []int
	right  []int
	closed bool
}

func NewWavRecorder(w io.WriteSeeker, sampleRate int) *WavRecorder {
	return &WavRecorder{
		enc:   wav.NewEncoder(w, sampleRate, 16, 2, 1),
		w:     w,
		left:  make([]int, 0, RecordingFlushSize),
		right: make([]int, 0, RecordingFlushSize),
	}
}

// WriteReceived records samples on left channel
func (r *WavRecorder) WriteReceived(samples []int16) error {
	return r.write(samples, &r.left)
}

// WriteSent records samples on right channel
func (r *WavRecorder) WriteSent(samples []int16) error {
	return r.write(samples, &r.right)
}

func (r *WavRecorder) write(samples []int16, ch *[]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return io.ErrClosedPipe
	}

	for _, s := range samples {
		*ch = append(*ch, int(s))
	}

	// One side can stall (hold, no RTP). Pad it to keep channels aligned
	if len(r.left) >= RecordingFlushSize || len(r.right) >= RecordingFlushSize {
		return r.flushUnsafe(max(len(r.left), len(r.right)))
	}
	return nil
}

func (r *WavRecorder) flushUnsafe(frames int) error {
	if frames == 0 {
		return nil
	}
	data := make([]int, 0, frames*2)
	for i := 0; i < frames; i++ {
		var l, rr int
		if i < len(r.left) {
			l = r.left[i]
		}
		if i < len(r.right) {
			rr = r.right[i]
		}
		data = append(data, l, rr)
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: r.enc.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	r.left = r.left[:0]
	r.right = r.right[:0]
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("recording write failed: %w", err)
	}
	return nil
}

// Close flushes pending samples and finalizes WAV headers
func (r *WavRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if err := r.flushUnsafe(max(len(r.left), len(r.right))); err != nil {
		return err
	}
	return r.enc.Close()
}
