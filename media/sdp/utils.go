// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"net"
	"strconv"
	"time"

	psdp "github.com/pion/sdp/v3"
)

func GetCurrentNTPTimestamp() uint64 {
	return NTPTimestamp(time.Now())
}

func NTPTimestamp(now time.Time) uint64 {
	var ntpEpochOffset int64 = 2208988800 // Offset from Unix epoch (January 1, 1970) to NTP epoch (January 1, 1900)
	currentTime := now.Unix() + ntpEpochOffset

	return uint64(currentTime)
}

type Mode string

const (
	// https://datatracker.ietf.org/doc/html/rfc4566#section-6
	ModeRecvonly Mode = "recvonly"
	ModeSendrecv Mode = "sendrecv"
	ModeSendonly Mode = "sendonly"
	ModeInactive Mode = "inactive"
)

func (m Mode) CanSend() bool {
	return m == ModeSendrecv || m == ModeSendonly
}

func (m Mode) CanReceive() bool {
	return m == ModeSendrecv || m == ModeRecvonly
}

func (m Mode) Valid() bool {
	switch m {
	case ModeSendrecv, ModeSendonly, ModeRecvonly, ModeInactive:
		return true
	}
	return false
}

// Reverse returns mode as seen from the other side
func (m Mode) Reverse() Mode {
	switch m {
	case ModeSendonly:
		return ModeRecvonly
	case ModeRecvonly:
		return ModeSendonly
	}
	return m
}

// NewAudioSession is minimal AUDIO SDP setup
func NewAudioSession(originIP net.IP, md *psdp.MediaDescription) *psdp.SessionDescription {
	ntpTime := GetCurrentNTPTimestamp()
	addrType := "IP4"
	if originIP.To4() == nil {
		addrType = "IP6"
	}

	return &psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      ntpTime,
			SessionVersion: ntpTime,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: originIP.String(),
		},
		SessionName: "audiosession",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &psdp.Address{Address: originIP.String()},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*psdp.MediaDescription{md},
	}
}

// NewAudioMedia builds m=audio line with rtpmap for formats
func NewAudioMedia(rtpPort int, fmts Formats, mode Mode) *psdp.MediaDescription {
	md := &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:   "audio",
			Port:    psdp.RangedPort{Value: rtpPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: append([]string(nil), fmts...),
		},
	}

	for _, f := range fmts {
		rm, fmtp := rtpmap(f)
		if rm == "" {
			continue
		}
		md = md.WithValueAttribute("rtpmap", rm)
		if fmtp != "" {
			md = md.WithValueAttribute("fmtp", fmtp)
		}
	}
	md = md.WithValueAttribute("ptime", "20")
	md = md.WithPropertyAttribute(string(mode))
	md = md.WithValueAttribute("rtcp", strconv.Itoa(rtpPort+1))
	return md
}
