// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package engine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/emiago/audiosession/session"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	traceIn  = "RECEIVED"
	traceOut = "SENDING"
)

// SIPTracer writes every SIP message engine handles into rotating trace file
type SIPTracer struct {
	w   *lumberjack.Logger
	log zerolog.Logger
}

// NewSIPTracer opens <dir>/sip_trace.txt
func NewSIPTracer(dir string) (*SIPTracer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "sip_trace.txt"),
		MaxSize:    10, // MB
		MaxBackups: 5,
		Compress:   false,
	}
	return &SIPTracer{
		w:   w,
		log: zerolog.New(w).With().Timestamp().Logger(),
	}, nil
}

func (t *SIPTracer) Request(direction string, req *sip.Request) {
	if t == nil {
		return
	}
	t.log.Info().
		Str("direction", direction).
		Str("method", req.Method.String()).
		Str("source", req.Source()).
		Str("destination", req.Destination()).
		Msg(req.String())
}

func (t *SIPTracer) Response(direction string, res *sip.Response) {
	if t == nil {
		return
	}
	t.log.Info().
		Str("direction", direction).
		Int("status", int(res.StatusCode)).
		Str("source", res.Source()).
		Str("destination", res.Destination()).
		Msg(res.String())
}

func (t *SIPTracer) Close() error {
	if t == nil {
		return nil
	}
	return t.w.Close()
}

// engineLogHook turns engine log lines into EngineLog events
type engineLogHook struct {
	handler session.EventHandler
	sender  string
}

func (h engineLogHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if msg == "" {
		return
	}
	h.handler(session.EngineLog{
		Time:    time.Now(),
		Level:   int(level),
		Sender:  h.sender,
		Message: msg,
	})
}
