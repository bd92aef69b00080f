// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

type RTCPWriter interface {
	WriteRTCP(p rtcp.Packet) error
}

// RTPPacketWriter packetize payload before pushing to media session.
// All packets are sent with same SSRC. It is safe for concurrent use, so that
// audio and DTMF share sequence and timestamp space.
type RTPPacketWriter struct {
	Writer RTPWriter

	// OnRTP is called for every packet before write
	OnRTP func(pkt *rtp.Packet)

	// This properties are read only or can be changed only after creating writer
	PayloadType uint8
	SSRC        uint32
	SampleRate  uint32

	mu                  sync.Mutex
	sampleRateTimestamp uint32
	seqWriter           RTPExtendedSequenceNumber
	nextTimestamp       uint32
	started             bool
	packets             uint64
	octets              uint64
}

func NewRTPPacketWriter(writer RTPWriter, codec Codec) *RTPPacketWriter {
	w := RTPPacketWriter{
		Writer:              writer,
		seqWriter:           NewRTPSequencer(),
		PayloadType:         codec.PayloadType,
		SampleRate:          codec.SampleRate,
		SSRC:                rand.Uint32(),
		sampleRateTimestamp: codec.SampleTimestamp(),
		nextTimestamp:       rand.Uint32(),
	}
	return &w
}

// Write packetizes single audio frame. Marker is set on first packet of stream
func (w *RTPPacketWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	marker := !w.started
	w.started = true
	return w.writeSamples(b, w.sampleRateTimestamp, marker, w.PayloadType)
}

func (w *RTPPacketWriter) WriteSamples(payload []byte, clockRateTimestamp uint32, marker bool, payloadType uint8) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeSamples(payload, clockRateTimestamp, marker, payloadType)
}

func (w *RTPPacketWriter) writeSamples(payload []byte, clockRateTimestamp uint32, marker bool, payloadType uint8) (int, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			Marker:      marker,
			PayloadType: payloadType,
			// Timestamp should increase linear and monotonic for media clock
			Timestamp:      w.nextTimestamp,
			SequenceNumber: w.seqWriter.NextSeqNumber(),
			SSRC:           w.SSRC,
		},
		Payload: payload,
	}

	if w.OnRTP != nil {
		w.OnRTP(&pkt)
	}
	w.nextTimestamp += clockRateTimestamp
	w.packets++
	w.octets += uint64(len(payload))

	err := w.Writer.WriteRTP(&pkt)
	return len(pkt.Payload), err
}

// WriteDTMF sends RFC 4733 event packets with given interval. All packets of one event
// carry same timestamp and audio writes are blocked meanwhile.
func (w *RTPPacketWriter) WriteDTMF(events []DTMFEvent, payloadType uint8, interval time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := w.nextTimestamp
	for i, ev := range events {
		if i > 0 {
			time.Sleep(interval)
		}
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    payloadType,
				Timestamp:      ts,
				SequenceNumber: w.seqWriter.NextSeqNumber(),
				SSRC:           w.SSRC,
			},
			Payload: DTMFEncode(ev),
		}
		if w.OnRTP != nil {
			w.OnRTP(&pkt)
		}
		w.packets++
		w.octets += uint64(len(pkt.Payload))
		if err := w.Writer.WriteRTP(&pkt); err != nil {
			return err
		}
	}

	if n := len(events); n > 0 {
		w.nextTimestamp = ts + uint32(events[n-1].Duration)
	}
	return nil
}

// Stats returns sent packet and octet count
func (w *RTPPacketWriter) Stats() (packets uint64, octets uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets, w.octets
}
