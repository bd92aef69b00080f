// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
)

const (
	NATOpenInternet     = "Open Internet"
	NATPortPreserving   = "Port preserving NAT"
	NATPortTranslating  = "Port translating NAT"
	stunBindingAttempts = 3
)

var (
	ErrSTUNTimeout = errors.New("stun: no binding response")
)

// StunMappedAddr sends binding request from conn and returns mapped address.
// Conn must not be read by anyone else meanwhile.
func StunMappedAddr(conn net.PacketConn, server string, timeout time.Duration) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("stun: resolve %q: %w", server, err)
	}
	defer conn.SetReadDeadline(time.Time{})

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	buf := make([]byte, RTPBufSize)
	for attempt := 0; attempt < stunBindingAttempts; attempt++ {
		if _, err := conn.WriteTo(req.Raw, raddr); err != nil {
			return nil, fmt.Errorf("stun: write: %w", err)
		}

		deadline := time.Now().Add(timeout)
		conn.SetReadDeadline(deadline)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				var nerr net.Error
				if errors.As(err, &nerr) && nerr.Timeout() {
					break
				}
				return nil, fmt.Errorf("stun: read: %w", err)
			}

			addr, ok, err := parseBindingResponse(buf[:n], req.TransactionID)
			if err != nil {
				return nil, err
			}
			if ok {
				return addr, nil
			}
		}
	}
	return nil, ErrSTUNTimeout
}

func parseBindingResponse(data []byte, tid [stun.TransactionIDSize]byte) (*net.UDPAddr, bool, error) {
	if !stun.IsMessage(data) {
		// Some early RTP, skip it
		return nil, false, nil
	}

	res := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := res.Decode(); err != nil {
		return nil, false, nil
	}
	if res.TransactionID != tid {
		return nil, false, nil
	}
	if res.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(res); err == nil {
			return nil, false, fmt.Errorf("stun: binding error %d %s", code.Code, code.Reason)
		}
		return nil, false, fmt.Errorf("stun: binding error")
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, true, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, true, nil
	}
	return nil, false, fmt.Errorf("stun: response without mapped address")
}

// DiscoverExternalAddr learns public address of RTP socket and advertises it in LocalAddr.
// Must be done before any transport is started on session.
func (s *MediaSession) DiscoverExternalAddr(server string, timeout time.Duration) (*net.UDPAddr, error) {
	addr, err := StunMappedAddr(s.rtpConn, server, timeout)
	if err != nil {
		return nil, err
	}
	s.SetExternalAddr(addr)
	return addr, nil
}

// DetectNATType probes server from fresh socket on localIP
func DetectNATType(localIP net.IP, server string, timeout time.Duration) (string, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP})
	if err != nil {
		return "", err
	}
	defer conn.Close()

	mapped, err := StunMappedAddr(conn, server, timeout)
	if err != nil {
		return "", err
	}
	laddr := conn.LocalAddr().(*net.UDPAddr)
	return ClassifyNAT(laddr, mapped, localInterfaceIPs()), nil
}

// ClassifyNAT compares local and mapped address
func ClassifyNAT(local *net.UDPAddr, mapped *net.UDPAddr, localIPs []net.IP) string {
	if mapped.IP.Equal(local.IP) {
		return NATOpenInternet
	}
	for _, ip := range localIPs {
		if ip.Equal(mapped.IP) {
			return NATOpenInternet
		}
	}
	if mapped.Port == local.Port {
		return NATPortPreserving
	}
	return NATPortTranslating
}

func localInterfaceIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			ips = append(ips, ipnet.IP)
		}
	}
	return ips
}
