// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package session

import (
	"sync"
	"sync/atomic"
)

// Shutdown serializes program exit between main goroutine and controller.
// Controller holds lock while running and releases it after teardown.
type Shutdown struct {
	mu       sync.Mutex
	userQuit atomic.Bool
	// interrupt is replaced in tests
	interrupt func() error
}

func NewShutdown() *Shutdown {
	s := &Shutdown{
		interrupt: interruptSelf,
	}
	s.userQuit.Store(true)
	return s
}

func (s *Shutdown) acquire() {
	s.mu.Lock()
}

func (s *Shutdown) release() {
	s.mu.Unlock()
}

// Wait blocks until controller finished teardown
func (s *Shutdown) Wait() {
	s.mu.Lock()
	s.mu.Unlock()
}

// UserQuit is true until controller decides to quit on its own
func (s *Shutdown) UserQuit() bool {
	return s.userQuit.Load()
}

func (s *Shutdown) SetUserQuit(v bool) {
	s.userQuit.Store(v)
}

// Interrupt wakes main goroutine blocked on keyboard
func (s *Shutdown) Interrupt() error {
	return s.interrupt()
}
