// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	MaxEchoTail = 500 * time.Millisecond
)

// Device is local sound card. Frames are mono 16 bit PCM at device sample rate.
type Device interface {
	// ReadFrame fills frame with captured samples
	ReadFrame(frame []int16) error
	// WriteFrame plays samples
	WriteFrame(frame []int16) error
	SetEchoCancellation(tail time.Duration) error
	EchoCancellation() time.Duration
	SampleRate() int
	Close() error
}

// NullDevice is used when sound is disabled or no sound card is available.
// Capture produces silence and playback is discarded.
type NullDevice struct {
	sampleRate int

	mu      sync.Mutex
	ecTail  time.Duration
	written atomic.Int64
	closed  bool
}

func NewNullDevice(sampleRate int, ecTail time.Duration) *NullDevice {
	return &NullDevice{
		sampleRate: sampleRate,
		ecTail:     ecTail,
	}
}

func (d *NullDevice) ReadFrame(frame []int16) error {
	clear(frame)
	return nil
}

func (d *NullDevice) WriteFrame(frame []int16) error {
	d.written.Add(int64(len(frame)))
	return nil
}

// Written returns number of samples passed to playback
func (d *NullDevice) Written() int64 {
	return d.written.Load()
}

func (d *NullDevice) SetEchoCancellation(tail time.Duration) error {
	if tail < 0 || tail > MaxEchoTail {
		return fmt.Errorf("echo cancellation tail %s out of range", tail)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("device closed")
	}
	d.ecTail = tail
	return nil
}

func (d *NullDevice) EchoCancellation() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ecTail
}

func (d *NullDevice) SampleRate() int {
	return d.sampleRate
}

func (d *NullDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
