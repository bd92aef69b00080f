// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pjmediaOffer = "v=0\r\n" +
	"o=- 3905350750 3905350750 IN IP4 192.168.100.11\r\n" +
	"s=pjmedia\r\n" +
	"c=IN IP4 192.168.100.11\r\n" +
	"t=0 0\r\n" +
	"m=audio 57797 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n" +
	"a=sendonly\r\n"

func TestParseSDP(t *testing.T) {
	sd, err := Parse([]byte(pjmediaOffer))
	require.NoError(t, err)

	require.True(t, IsSingleAudio(sd))
	md, err := FirstAudio(sd)
	require.NoError(t, err)
	assert.Equal(t, 57797, md.MediaName.Port.Value)
	assert.Equal(t, []string{"0", "8", "101"}, md.MediaName.Formats)
	assert.Equal(t, ModeSendonly, MediaMode(md))

	addr, err := ConnectionAddr(sd, md)
	require.NoError(t, err)
	assert.Equal(t, "192.168.100.11:57797", addr.String())

	pt, ok := TelephoneEventFormat(md)
	require.True(t, ok)
	assert.Equal(t, "101", pt)
}

func TestSDPTwoMediaLines(t *testing.T) {
	body := strings.Replace(pjmediaOffer, "a=sendonly\r\n", "a=sendonly\r\nm=video 5000 RTP/AVP 96\r\n", 1)
	sd, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.False(t, IsSingleAudio(sd))
	assert.False(t, IsSingleAudio(nil))
}

func TestSDPModeDefaultsSendrecv(t *testing.T) {
	body := strings.Replace(pjmediaOffer, "a=sendonly\r\n", "", 1)
	sd, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, ModeSendrecv, SessionMode(sd))
}

func TestSDPGenerateAudio(t *testing.T) {
	md := NewAudioMedia(4000, NewFormats(FORMAT_TYPE_ULAW, FORMAT_TYPE_TELEPHONE_EVENT), ModeSendrecv)
	sd := NewAudioSession(net.ParseIP("127.0.0.1"), md)

	data, err := sd.Marshal()
	require.NoError(t, err)
	body := string(data)
	assert.Contains(t, body, "m=audio 4000 RTP/AVP 0 101")
	assert.Contains(t, body, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, body, "a=sendrecv")

	version := sd.Origin.SessionVersion
	BumpVersion(sd)
	assert.Equal(t, version+1, sd.Origin.SessionVersion)

	SetMediaMode(md, ModeSendonly)
	assert.Equal(t, ModeSendonly, MediaMode(md))
	data, err = sd.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "a=sendrecv")
}

func TestModeCapabilities(t *testing.T) {
	assert.True(t, ModeSendrecv.CanReceive())
	assert.True(t, ModeSendonly.CanSend())
	assert.False(t, ModeSendonly.CanReceive())
	assert.False(t, ModeInactive.CanSend())
	assert.Equal(t, ModeRecvonly, ModeSendonly.Reverse())
}
