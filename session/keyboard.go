// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package session

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
)

const (
	// keyboardChunk is max bytes read per keystroke
	keyboardChunk = 10
	ctrlD         = 0x04
)

// KeyboardReader emits UserInput for every keystroke read.
// Terminal is kept in non canonical, non echo mode only while reading.
type KeyboardReader struct {
	in io.Reader
	q  *Queue

	mu      sync.Mutex
	restore func() error
	eofSent bool
}

func NewKeyboardReader(in io.Reader, q *Queue) *KeyboardReader {
	return &KeyboardReader{in: in, q: q}
}

// Run reads until input is closed or context is cancelled.
// Cancellation is observed only after read returns.
func (k *KeyboardReader) Run(ctx context.Context) error {
	buf := make([]byte, keyboardChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := k.read(buf)
		if n > 0 {
			k.handle(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				k.sendEOF()
				return nil
			}
			return err
		}
	}
}

func (k *KeyboardReader) read(buf []byte) (int, error) {
	f, ok := k.in.(*os.File)
	if !ok {
		return k.in.Read(buf)
	}

	restore, err := makeRaw(int(f.Fd()))
	if err != nil {
		// Not a terminal
		return f.Read(buf)
	}
	k.mu.Lock()
	k.restore = restore
	k.mu.Unlock()
	defer k.Restore()

	return f.Read(buf)
}

func (k *KeyboardReader) handle(data []byte) {
	if len(data) == 1 && data[0] == ctrlD {
		k.sendEOF()
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	k.q.Put(UserInput{Data: cp})
}

func (k *KeyboardReader) sendEOF() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.eofSent {
		return
	}
	k.eofSent = true
	k.q.Put(EOF{})
}

// Restore puts terminal back into mode it had before reading.
// Safe to call from any goroutine and more than once.
func (k *KeyboardReader) Restore() error {
	k.mu.Lock()
	restore := k.restore
	k.restore = nil
	k.mu.Unlock()
	if restore == nil {
		return nil
	}
	return restore()
}
