// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"errors"
	"fmt"
	"net"

	psdp "github.com/pion/sdp/v3"
)

var (
	ErrNoMedia      = errors.New("sdp: no media description")
	ErrNoConnection = errors.New("sdp: no connection information")
)

// Parse unmarshals SDP body
func Parse(body []byte) (*psdp.SessionDescription, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("sdp: empty body")
	}
	sd := &psdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("sdp: %w", err)
	}
	return sd, nil
}

// Clone makes deep copy by marshal roundtrip
func Clone(sd *psdp.SessionDescription) (*psdp.SessionDescription, error) {
	if sd == nil {
		return nil, nil
	}
	data, err := sd.Marshal()
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// IsSingleAudio reports whether offer has exactly one media line and it is audio
func IsSingleAudio(sd *psdp.SessionDescription) bool {
	if sd == nil || len(sd.MediaDescriptions) != 1 {
		return false
	}
	return sd.MediaDescriptions[0].MediaName.Media == "audio"
}

// FirstAudio returns first audio media
func FirstAudio(sd *psdp.SessionDescription) (*psdp.MediaDescription, error) {
	if sd == nil {
		return nil, ErrNoMedia
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return md, nil
		}
	}
	return nil, ErrNoMedia
}

// MediaMode reads direction attribute. Missing attribute means sendrecv (RFC 3264)
func MediaMode(md *psdp.MediaDescription) Mode {
	for _, a := range md.Attributes {
		if m := Mode(a.Key); m.Valid() {
			return m
		}
	}
	return ModeSendrecv
}

// SetMediaMode replaces direction attribute
func SetMediaMode(md *psdp.MediaDescription, mode Mode) {
	attrs := md.Attributes[:0]
	for _, a := range md.Attributes {
		if Mode(a.Key).Valid() {
			continue
		}
		attrs = append(attrs, a)
	}
	md.Attributes = append(attrs, psdp.NewPropertyAttribute(string(mode)))
}

// SessionMode is direction of first audio media
func SessionMode(sd *psdp.SessionDescription) Mode {
	md, err := FirstAudio(sd)
	if err != nil {
		return ModeInactive
	}
	return MediaMode(md)
}

// BumpVersion increases o= session version. Needed on every new offer within dialog
func BumpVersion(sd *psdp.SessionDescription) {
	sd.Origin.SessionVersion++
}

// ReplaceAudio sets first media line
func ReplaceAudio(sd *psdp.SessionDescription, md *psdp.MediaDescription) {
	if len(sd.MediaDescriptions) == 0 {
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
		return
	}
	sd.MediaDescriptions[0] = md
}

// ConnectionAddr resolves remote RTP address for media. Media level c= overrides session level
func ConnectionAddr(sd *psdp.SessionDescription, md *psdp.MediaDescription) (*net.UDPAddr, error) {
	ci := md.ConnectionInformation
	if ci == nil {
		ci = sd.ConnectionInformation
	}
	if ci == nil || ci.Address == nil {
		return nil, ErrNoConnection
	}
	ip := net.ParseIP(ci.Address.Address)
	if ip == nil {
		addrs, err := net.LookupIP(ci.Address.Address)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("sdp: failed to resolve connection address %q", ci.Address.Address)
		}
		ip = addrs[0]
	}
	return &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value}, nil
}

// TelephoneEventFormat finds negotiated telephone-event payload type
func TelephoneEventFormat(md *psdp.MediaDescription) (string, bool) {
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		var pt int
		var name string
		if _, err := fmt.Sscanf(a.Value, "%d %s", &pt, &name); err != nil {
			continue
		}
		if len(name) >= len("telephone-event") && name[:len("telephone-event")] == "telephone-event" {
			return fmt.Sprint(pt), true
		}
	}
	return "", false
}

// AddTelephoneEvent appends telephone-event format with given payload type
func AddTelephoneEvent(md *psdp.MediaDescription, pt string) {
	md.MediaName.Formats = append(md.MediaName.Formats, pt)
	md.Attributes = append(md.Attributes,
		psdp.Attribute{Key: "rtpmap", Value: pt + " telephone-event/8000"},
		psdp.Attribute{Key: "fmtp", Value: pt + " 0-16"},
	)
}
