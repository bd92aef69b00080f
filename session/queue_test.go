// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 100; i++ {
		q.Put(UserInput{Data: []byte{byte(i)}})
	}
	assert.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		ev, err := q.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, byte(i), ev.(UserInput).Data[0])
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueGetBlocksUntilPut(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Handler()(Quit{})
	}()

	ev, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Quit{}, ev)
}

func TestQueueGetCancelled(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueManyProducers(t *testing.T) {
	q := NewQueue()
	wg := sync.WaitGroup{}
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Put(End{})
			}
		}()
	}

	got := 0
	for got < 500 {
		_, err := q.Get(context.Background())
		require.NoError(t, err)
		got++
	}
	wg.Wait()
	assert.Equal(t, 0, q.Len())
}
