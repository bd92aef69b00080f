// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emiago/audiosession/audio"
	"github.com/emiago/audiosession/session"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayPCM(t *testing.T) {
	dev := audio.NewNullDevice(8000, 0)
	pcm := make([]int16, 100)

	require.NoError(t, playPCM(context.Background(), dev, pcm, 2*time.Millisecond))
	assert.EqualValues(t, 100, dev.Written())
}

func TestPlayPCMCancelled(t *testing.T) {
	dev := audio.NewNullDevice(8000, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := playPCM(ctx, dev, make([]int16, 8000), 20*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 160, dev.Written())
}

func TestPlayWavGeneratesRingtone(t *testing.T) {
	e, _ := newTestEngine(t)
	e.device = audio.NewNullDevice(8000, 0)

	path := filepath.Join(t.TempDir(), "sounds", audio.RingtoneOutbound)
	require.NoError(t, e.PlayWav(path))
	assert.FileExists(t, path)

	e.cancel()
	e.wg.Wait()

	err := e.PlayWav(filepath.Join(t.TempDir(), "missing.wav"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRecordWavWithoutAudio(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.RecordWav(filepath.Join(t.TempDir(), "call.wav"))
	assert.ErrorIs(t, err, ErrNoActiveAudio)
}

func TestSIPTracer(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "trace")
	tracer, err := NewSIPTracer(dir)
	require.NoError(t, err)

	req := sip.NewRequest(sip.OPTIONS, sip.Uri{User: "bob", Host: "example.com"})
	tracer.Request(traceOut, req)
	tracer.Response(traceIn, sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	require.NoError(t, tracer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "sip_trace.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"direction":"SENDING"`)
	assert.Contains(t, string(data), `"method":"OPTIONS"`)
	assert.Contains(t, string(data), `"status":200`)

	var nilTracer *SIPTracer
	nilTracer.Request(traceIn, req)
	assert.NoError(t, nilTracer.Close())
}

func TestEngineLogHook(t *testing.T) {
	rec := &eventRecorder{}
	log := zerolog.New(io.Discard).Hook(engineLogHook{handler: rec.handle, sender: "engine"})

	log.Info().Msg("Listening for SIP")
	log.Debug().Msg("")

	require.Len(t, rec.events, 1)
	ev, ok := rec.events[0].(session.EngineLog)
	require.True(t, ok)
	assert.Equal(t, "Listening for SIP", ev.Message)
	assert.Equal(t, "engine", ev.Sender)
	assert.Equal(t, int(zerolog.InfoLevel), ev.Level)
}

func TestFreePort(t *testing.T) {
	for _, transport := range []string{"udp", "tcp"} {
		port, err := freePort(transport, nil)
		require.NoError(t, err, transport)
		assert.Greater(t, port, 0)
	}
}
