// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

// ReadWavFile loads WAV file as mono 16 bit PCM resampled to sampleRate
func ReadWavFile(filename string, sampleRate int) ([]int16, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadWav(f, sampleRate)
}

func ReadWav(r io.ReadSeeker, sampleRate int) ([]int16, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("not a valid wav file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}

	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("received bitdepth=%d, but only 16 bit PCM supported", dec.BitDepth)
	}

	numChans := int(dec.NumChans)
	if numChans == 0 {
		numChans = 1
	}

	// Downmix
	mono := make([]int16, 0, len(buf.Data)/numChans)
	for i := 0; i+numChans <= len(buf.Data); i += numChans {
		sum := 0
		for c := 0; c < numChans; c++ {
			sum += buf.Data[i+c]
		}
		mono = append(mono, int16(sum/numChans))
	}

	return Resample(mono, int(dec.SampleRate), sampleRate), nil
}

// Resample does nearest sample rate conversion. Good enough for tones and prompts
func Resample(samples []int16, from int, to int) []int16 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]int16, n)
	for i := range out {
		out[i] = samples[int64(i)*int64(from)/int64(to)]
	}
	return out
}
