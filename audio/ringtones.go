// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	RingtoneInbound  = "ring_inbound.wav"
	RingtoneOutbound = "ring_outbound.wav"
)

var (
	ringtones sync.Map
)

// RingtoneLoadPCM loads pregenerated ringtone in PCM format
func RingtoneLoadPCM(sampleRate int, inbound bool) []int16 {
	key := fmt.Sprintf("%t-%d", inbound, sampleRate)
	ringval, exists := ringtones.Load(key)
	if exists {
		return ringval.([]int16)
	}
	pcm := ringtonePCMGenerate(sampleRate, inbound)
	ringtones.Store(key, pcm)
	return pcm
}

func ringtonePCMGenerate(sampleRate int, inbound bool) []int16 {
	var (
		durationSec = 2.0
		volume      = 0.3
		freq1       = 350.0
		freq2       = 440.0
	)
	// Inbound is classic double ring, outbound is ringback
	if inbound {
		durationSec = 1.2
		freq1, freq2 = 440.0, 480.0
	}

	numSamples := int(float64(sampleRate) * durationSec)
	pcm := make([]int16, numSamples)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		if inbound && t > 0.4 && t < 0.6 {
			continue
		}
		// Combine the two sine waves and normalize
		sample := volume * (math.Sin(2*math.Pi*freq1*t) + math.Sin(2*math.Pi*freq2*t)) / 2.0
		pcm[i] = int16(sample * math.MaxInt16)
	}
	return pcm
}

// WriteRingtoneWav generates ringtone WAV file if it does not exist
func WriteRingtoneWav(filename string, sampleRate int, inbound bool) error {
	if _, err := os.Stat(filename); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	pcm := RingtoneLoadPCM(sampleRate, inbound)
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}
