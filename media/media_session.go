// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

var (
	// RTPPortStart and RTPPortEnd allows defining rtp port range for media
	RTPPortStart  = 0
	RTPPortEnd    = 0
	rtpPortOffset = atomic.Int32{}

	// When reading RTP use at least MTU size. Increase this
	RTPBufSize = 1500

	RTPDebug  = false
	RTCPDebug = false
)

func logRTPRead(log zerolog.Logger, m *MediaSession, raddr net.Addr, p *rtp.Packet) {
	if RTPDebug {
		log.Debug().Msgf("RTP read %s < %s:\n%s", m.Laddr.String(), raddr.String(), p.String())
	}
}

func logRTPWrite(log zerolog.Logger, m *MediaSession, p *rtp.Packet) {
	if RTPDebug {
		log.Debug().Msgf("RTP write %s > %s:\n%s", m.Laddr.String(), m.Raddr().String(), p.String())
	}
}

func logRTCPWrite(log zerolog.Logger, m *MediaSession, p rtcp.Packet) {
	if RTCPDebug {
		log.Debug().Msgf("RTCP write %s > %s: %T", m.Laddr.String(), m.rtcpRaddr().String(), p)
	}
}

// MediaSession is RTP/RTCP socket pair. It lives for whole program and is
// reused by every call, so that public address learned by STUN stays valid.
type MediaSession struct {
	// Laddr our local address which has full IP and port after media session creation
	Laddr net.UDPAddr

	rtpConn  net.PacketConn
	rtcpConn net.PacketConn

	mu sync.RWMutex
	// externalAddr is public mapped address of RTP socket
	externalAddr *net.UDPAddr
	raddr        net.UDPAddr
	rtcpPort     int
}

func NewMediaSession(ip net.IP, port int) (s *MediaSession, e error) {
	if ip == nil {
		return nil, fmt.Errorf("media session: local addr must be set")
	}
	s = &MediaSession{}
	s.Laddr.IP = ip
	s.Laddr.Port = port

	// Try to listen on this ports
	if err := s.createListeners(&s.Laddr); err != nil {
		return nil, err
	}
	return s, nil
}

// LocalAddr is address to be advertised in SDP
func (s *MediaSession) LocalAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.externalAddr != nil {
		a := *s.externalAddr
		return &a
	}
	a := s.Laddr
	return &a
}

func (s *MediaSession) SetExternalAddr(addr *net.UDPAddr) {
	s.mu.Lock()
	s.externalAddr = addr
	s.mu.Unlock()
}

// SetRemoteAddr sets RTP target. rtcpPort 0 means RTP port + 1
func (s *MediaSession) SetRemoteAddr(raddr *net.UDPAddr, rtcpPort int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raddr = *raddr
	s.rtcpPort = rtcpPort
	if rtcpPort == 0 {
		s.rtcpPort = raddr.Port + 1
	}
}

func (s *MediaSession) Raddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.raddr
	return &a
}

func (s *MediaSession) rtcpRaddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &net.UDPAddr{IP: s.raddr.IP, Port: s.rtcpPort, Zone: s.raddr.Zone}
}

// StopRTP unblocks readers and writers. Connection stays open
func (s *MediaSession) StopRTP() error {
	return s.rtpConn.SetDeadline(time.Now())
}

// StartRTP clears deadlines after StopRTP
func (s *MediaSession) StartRTP() error {
	return s.rtpConn.SetDeadline(time.Time{})
}

func (s *MediaSession) Close() error {
	var err error
	if s.rtcpConn != nil {
		err = s.rtcpConn.Close()
	}
	if s.rtpConn != nil {
		if e := s.rtpConn.Close(); e != nil {
			err = e
		}
	}
	return err
}

// Listen creates listeners instead
func (s *MediaSession) createListeners(laddr *net.UDPAddr) error {
	if laddr.Port != 0 {
		return s.listenRTPandRTCP(laddr)
	}

	if RTPPortStart > 0 && RTPPortEnd > RTPPortStart {
		// Get next available port
		port := RTPPortStart + int(rtpPortOffset.Load())
		var err error
		for ; port < RTPPortEnd; port += 2 {
			laddr.Port = port
			err = s.listenRTPandRTCP(laddr)
			if err == nil {
				break
			}
		}
		if err != nil {
			return fmt.Errorf("no available ports in range %d:%d: %w", RTPPortStart, RTPPortEnd, err)
		}
		// Add some offset so that we use more from range
		offset := (port + 2 - RTPPortStart) % (RTPPortEnd - RTPPortStart)
		rtpPortOffset.Store(int32(offset))
		return nil
	}

	// RTCP port +1 can be taken by someone else in the meantime, so retry
	var err error
	for retries := 0; retries < 10; retries += 1 {
		err = s.listenRTPandRTCP(laddr)
		if err == nil {
			break
		}
	}
	return err
}

func (s *MediaSession) listenRTPandRTCP(laddr *net.UDPAddr) error {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: laddr.IP, Port: laddr.Port})
	if err != nil {
		return err
	}
	bound := rtpConn.LocalAddr().(*net.UDPAddr)

	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bound.IP, Port: bound.Port + 1})
	if err != nil {
		rtpConn.Close()
		return err
	}

	s.rtpConn = rtpConn
	s.rtcpConn = rtcpConn
	// Update laddr as it can be empheral. Keep configured IP when listening on any
	port := bound.Port
	if !bound.IP.IsUnspecified() {
		s.Laddr.IP = bound.IP
	}
	s.Laddr.Port = port
	return nil
}

// ReadRTP reads data from network and parses to pkt.
// Payload references buf.
func (m *MediaSession) ReadRTP(buf []byte, pkt *rtp.Packet) (int, net.Addr, error) {
	if len(buf) < RTPBufSize {
		return 0, nil, io.ErrShortBuffer
	}

	n, from, err := m.rtpConn.ReadFrom(buf)
	if err != nil {
		return 0, from, err
	}

	if err := pkt.Unmarshal(buf[:n]); err != nil {
		return n, from, err
	}
	return n, from, nil
}

func (m *MediaSession) WriteRTP(p *rtp.Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	n, err := m.rtpConn.WriteTo(data, m.Raddr())
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}

func (m *MediaSession) WriteRTCP(p rtcp.Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = m.rtcpConn.WriteTo(data, m.rtcpRaddr())
	return err
}
