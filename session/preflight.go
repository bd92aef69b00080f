// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrTraversalFailed = errors.New("STUN request failed")
)

// WaitTraversal blocks until media transport reports its STUN setup.
// Print events are shown meanwhile, anything else is discarded.
func WaitTraversal(ctx context.Context, q *Queue, out io.Writer) error {
	for {
		ev, err := q.Get(ctx)
		if err != nil {
			return err
		}

		switch e := ev.(type) {
		case Print:
			fmt.Fprintln(out, e.Text)
		case RTPTransportInit:
			if e.Succeeded {
				return nil
			}
			if e.Err != nil {
				return fmt.Errorf("%w: %w", ErrTraversalFailed, e.Err)
			}
			return ErrTraversalFailed
		}
	}
}
