// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTMFEncodeSequence(t *testing.T) {
	evs, err := RTPDTMFEncode('#')
	require.NoError(t, err)
	require.Len(t, evs, 7)

	for i, ev := range evs {
		assert.EqualValues(t, 11, ev.Event)
		assert.Equal(t, i >= 4, ev.EndOfEvent)
	}
	assert.EqualValues(t, 640, evs[3].Duration)
	assert.EqualValues(t, 800, evs[6].Duration)

	var dec DTMFEvent
	require.NoError(t, DTMFDecode(DTMFEncode(evs[6]), &dec))
	assert.Equal(t, evs[6], dec)

	_, err = RTPDTMFEncode('x')
	require.Error(t, err)
}

func TestIsDTMF(t *testing.T) {
	for _, r := range "0123456789*#ABCD" {
		assert.True(t, IsDTMF(r), string(r))
	}
	assert.False(t, IsDTMF('a'))
	assert.False(t, IsDTMF('h'))
}

func TestFormatsFromCodecNames(t *testing.T) {
	fmts, unsupported := FormatsFromCodecNames([]string{"speex", "g711", "ilbc", "gsm", "g722"})
	assert.Equal(t, []string{"0", "8", "101"}, []string(fmts))
	assert.Equal(t, []string{"speex", "ilbc", "gsm", "g722"}, unsupported)

	fmts, _ = FormatsFromCodecNames([]string{"speex"})
	assert.Empty(t, fmts)
}
