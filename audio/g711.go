// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"io"

	"github.com/zaf/g711"
)

const (
	FORMAT_TYPE_ULAW = 0
	FORMAT_TYPE_ALAW = 8
)

// PCMCodec converts 16 bit samples to G.711 payload and back
type PCMCodec struct {
	Name        string
	PayloadType uint8
	encodeFrame func(int16) uint8
	decodeFrame func(uint8) int16
}

var (
	CodecPCMU = PCMCodec{Name: "PCMU", PayloadType: FORMAT_TYPE_ULAW, encodeFrame: g711.EncodeUlawFrame, decodeFrame: g711.DecodeUlawFrame}
	CodecPCMA = PCMCodec{Name: "PCMA", PayloadType: FORMAT_TYPE_ALAW, encodeFrame: g711.EncodeAlawFrame, decodeFrame: g711.DecodeAlawFrame}
)

// CodecForPayloadType returns G.711 codec
func CodecForPayloadType(pt uint8) (PCMCodec, error) {
	switch pt {
	case FORMAT_TYPE_ULAW:
		return CodecPCMU, nil
	case FORMAT_TYPE_ALAW:
		return CodecPCMA, nil
	}
	return PCMCodec{}, fmt.Errorf("not supported codec %d", pt)
}

// EncodeTo encodes samples into payload. Payload must hold one byte per sample
func (c PCMCodec) EncodeTo(payload []byte, samples []int16) (n int, err error) {
	if len(payload) < len(samples) {
		return 0, io.ErrShortBuffer
	}
	for i, s := range samples {
		payload[i] = c.encodeFrame(s)
		n++
	}
	return n, nil
}

// DecodeTo decodes payload into samples
func (c PCMCodec) DecodeTo(samples []int16, payload []byte) (n int, err error) {
	if len(samples) < len(payload) {
		return 0, io.ErrShortBuffer
	}
	for i, b := range payload {
		samples[i] = c.decodeFrame(b)
		n++
	}
	return n, nil
}
