// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/audiosession/audio"
	"github.com/emiago/audiosession/media/sdp"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	psdp "github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
)

var (
	ErrTransportNotStarted = errors.New("audio transport not started")
	ErrNoCommonCodec       = errors.New("no common codec")

	// DTMFPacketInterval is gap between RFC 4733 event packets
	DTMFPacketInterval = 20 * time.Millisecond
)

// Recorder receives decoded audio of both directions
type Recorder interface {
	WriteReceived(samples []int16) error
	WriteSent(samples []int16) error
}

type RTPTransportConfig struct {
	// Formats we offer. Defaults to PCMU, PCMA and telephone-event
	Formats sdp.Formats
	Device  audio.Device
	Log     zerolog.Logger
}

// RTPTransport is audio stream of one call over shared MediaSession.
// Audio is pumped between RTP and sound device in 20ms frames.
type RTPTransport struct {
	sess   *MediaSession
	device audio.Device
	fmts   sdp.Formats
	log    zerolog.Logger

	mu        sync.Mutex
	started   bool
	stopped   bool
	direction sdp.Mode
	codec     Codec
	pcm       audio.PCMCodec
	dtmfPT    uint8
	dtmfOK    bool
	writer    *RTPPacketWriter

	connected atomic.Bool
	recorder  atomic.Pointer[recorderHolder]

	dtmfQ chan rune
	done  chan struct{}
	wg    sync.WaitGroup
}

type recorderHolder struct {
	r Recorder
}

func NewRTPTransport(sess *MediaSession, conf RTPTransportConfig) *RTPTransport {
	fmts := conf.Formats
	if len(fmts) == 0 {
		fmts = sdp.NewFormats(sdp.FORMAT_TYPE_ULAW, sdp.FORMAT_TYPE_ALAW, sdp.FORMAT_TYPE_TELEPHONE_EVENT)
	}
	dev := conf.Device
	if dev == nil {
		dev = audio.NewNullDevice(int(CodecAudioUlaw.SampleRate), 0)
	}
	return &RTPTransport{
		sess:      sess,
		device:    dev,
		fmts:      fmts,
		log:       conf.Log.With().Str("caller", "rtp").Logger(),
		direction: sdp.ModeSendrecv,
		dtmfQ:     make(chan rune, 32),
		done:      make(chan struct{}),
	}
}

// LocalMedia builds m=audio for offer or answer on remoteOffer
func (t *RTPTransport) LocalMedia(remoteOffer *psdp.SessionDescription, mode sdp.Mode) *psdp.MediaDescription {
	port := t.sess.LocalAddr().Port
	if remoteOffer == nil {
		if mode == "" {
			mode = sdp.ModeSendrecv
		}
		return sdp.NewAudioMedia(port, t.fmts, mode)
	}

	rmd, err := sdp.FirstAudio(remoteOffer)
	if err != nil {
		return sdp.NewAudioMedia(port, nil, sdp.ModeInactive)
	}
	if mode == "" {
		mode = sdp.MediaMode(rmd).Reverse()
	}

	// Remote preference order is kept
	fmts := sdp.Formats{}
	for _, f := range rmd.MediaName.Formats {
		if _, ok := CodecFromFormat(f); ok && t.fmts.Has(f) {
			fmts = append(fmts, f)
		}
	}
	md := sdp.NewAudioMedia(port, fmts, mode)
	if te, ok := sdp.TelephoneEventFormat(rmd); ok && t.fmts.Has(sdp.FORMAT_TYPE_TELEPHONE_EVENT) {
		sdp.AddTelephoneEvent(md, te)
	}
	return md
}

// Start negotiates codec and remote address and starts audio pumps
func (t *RTPTransport) Start(local *psdp.SessionDescription, remote *psdp.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("audio transport already started")
	}
	if t.stopped {
		return fmt.Errorf("audio transport is stopped")
	}

	lmd, err := sdp.FirstAudio(local)
	if err != nil {
		return fmt.Errorf("local sdp: %w", err)
	}
	rmd, err := sdp.FirstAudio(remote)
	if err != nil {
		return fmt.Errorf("remote sdp: %w", err)
	}

	codec, err := negotiateCodec(lmd, rmd)
	if err != nil {
		return err
	}
	pcm, err := audio.CodecForPayloadType(codec.PayloadType)
	if err != nil {
		return err
	}

	raddr, err := sdp.ConnectionAddr(remote, rmd)
	if err != nil {
		return err
	}
	t.sess.SetRemoteAddr(raddr, rtcpPort(rmd))

	if te, ok := sdp.TelephoneEventFormat(rmd); ok {
		t.dtmfPT, t.dtmfOK = sdp.FormatNumeric(te), true
	}
	t.codec = codec
	t.pcm = pcm
	t.direction = sdp.MediaMode(lmd)
	t.writer = NewRTPPacketWriter(t.sess, codec)
	if RTPDebug {
		t.writer.OnRTP = func(pkt *rtp.Packet) { logRTPWrite(t.log, t.sess, pkt) }
	}

	if err := t.sess.StartRTP(); err != nil {
		return err
	}
	t.started = true

	t.wg.Add(3)
	go t.sendLoop()
	go t.readLoop()
	go t.dtmfLoop()
	t.log.Debug().Str("codec", codec.String()).Str("raddr", raddr.String()).Msg("Audio transport started")
	return nil
}

func rtcpPort(md *psdp.MediaDescription) int {
	v, ok := md.Attribute("rtcp")
	if !ok {
		return 0
	}
	var port int
	if _, err := fmt.Sscanf(v, "%d", &port); err != nil {
		return 0
	}
	return port
}

// negotiateCodec picks first answer format we support
func negotiateCodec(local *psdp.MediaDescription, remote *psdp.MediaDescription) (Codec, error) {
	lf := sdp.Formats(local.MediaName.Formats)
	for _, f := range remote.MediaName.Formats {
		c, ok := CodecFromFormat(f)
		if ok && lf.Has(f) {
			return c, nil
		}
	}
	return Codec{}, ErrNoCommonCodec
}

// Stop ends audio pumps and sends RTCP BYE. MediaSession stays open for next call
func (t *RTPTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	started := t.started
	writer := t.writer
	t.mu.Unlock()

	t.connected.Store(false)
	if !started {
		return nil
	}

	close(t.done)
	t.sess.StopRTP()
	t.wg.Wait()

	bye := &rtcp.Goodbye{Sources: []uint32{writer.SSRC}}
	logRTCPWrite(t.log, t.sess, bye)
	if err := t.sess.WriteRTCP(bye); err != nil {
		t.log.Debug().Err(err).Msg("Failed to send RTCP BYE")
	}
	return t.sess.StartRTP()
}

func (t *RTPTransport) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// IsActive is true while RTP is flowing
func (t *RTPTransport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.stopped
}

func (t *RTPTransport) Codec() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.codec.Name
}

func (t *RTPTransport) SampleRate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.codec.SampleRate)
}

func (t *RTPTransport) LocalRTPAddr() *net.UDPAddr {
	return t.sess.LocalAddr()
}

func (t *RTPTransport) RemoteRTPAddr() *net.UDPAddr {
	return t.sess.Raddr()
}

func (t *RTPTransport) Direction() sdp.Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.direction
}

func (t *RTPTransport) UpdateDirection(mode sdp.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid direction %q", mode)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.direction = mode
	return nil
}

// Encrypted is always false. SRTP is not negotiated
func (t *RTPTransport) Encrypted() bool {
	return false
}

// Connect attaches sound device to stream
func (t *RTPTransport) Connect() {
	t.connected.Store(true)
}

// Disconnect detaches sound device. RTP session stays up
func (t *RTPTransport) Disconnect() {
	t.connected.Store(false)
}

func (t *RTPTransport) Connected() bool {
	return t.connected.Load()
}

// SetRecorder starts passing audio to r. Nil stops it
func (t *RTPTransport) SetRecorder(r Recorder) {
	if r == nil {
		t.recorder.Store(nil)
		return
	}
	t.recorder.Store(&recorderHolder{r: r})
}

func (t *RTPTransport) currentRecorder() Recorder {
	h := t.recorder.Load()
	if h == nil {
		return nil
	}
	return h.r
}

// SendDTMF queues digit. Digits are sent in order, one event at a time
func (t *RTPTransport) SendDTMF(digit rune) error {
	t.mu.Lock()
	started, ok := t.started && !t.stopped, t.dtmfOK
	t.mu.Unlock()
	if !started {
		return ErrTransportNotStarted
	}
	if !ok {
		return fmt.Errorf("remote does not support telephone-event")
	}
	if !IsDTMF(digit) {
		return fmt.Errorf("not a dtmf digit %q", digit)
	}

	select {
	case t.dtmfQ <- digit:
		return nil
	default:
		return fmt.Errorf("dtmf queue full")
	}
}

func (t *RTPTransport) dtmfLoop() {
	defer t.wg.Done()

	t.mu.Lock()
	pt, w := t.dtmfPT, t.writer
	t.mu.Unlock()

	for {
		select {
		case <-t.done:
			return
		case digit := <-t.dtmfQ:
			evs, err := RTPDTMFEncode(digit)
			if err != nil {
				continue
			}
			if err := w.WriteDTMF(evs, pt, DTMFPacketInterval); err != nil {
				t.log.Error().Err(err).Str("digit", string(digit)).Msg("Failed to send DTMF")
			}
		}
	}
}

func (t *RTPTransport) sendLoop() {
	defer t.wg.Done()

	t.mu.Lock()
	codec, pcm, w := t.codec, t.pcm, t.writer
	t.mu.Unlock()

	devRate := t.device.SampleRate()
	frame := make([]int16, devRate*int(codec.SampleDur.Milliseconds())/1000)
	payload := make([]byte, codec.Samples())

	ticker := time.NewTicker(codec.SampleDur)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		if !t.connected.Load() || !t.Direction().CanSend() {
			continue
		}

		if err := t.device.ReadFrame(frame); err != nil {
			t.log.Error().Err(err).Msg("Device read failed")
			continue
		}
		samples := audio.Resample(frame, devRate, int(codec.SampleRate))
		if len(samples) > len(payload) {
			samples = samples[:len(payload)]
		}
		if rec := t.currentRecorder(); rec != nil {
			rec.WriteSent(samples)
		}

		n, _ := pcm.EncodeTo(payload, samples)
		if _, err := w.Write(payload[:n]); err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.log.Debug().Err(err).Msg("RTP write failed")
		}
	}
}

func (t *RTPTransport) readLoop() {
	defer t.wg.Done()

	t.mu.Lock()
	codec, dtmfPT, dtmfOK := t.codec, t.dtmfPT, t.dtmfOK
	t.mu.Unlock()

	devRate := t.device.SampleRate()
	buf := make([]byte, RTPBufSize)
	samples := make([]int16, RTPBufSize)
	seq := RTPExtendedSequenceNumber{}
	pkt := rtp.Packet{}
	for {
		_, from, err := t.sess.ReadRTP(buf, &pkt)
		if err != nil {
			select {
			case <-t.done:
				t.log.Debug().Uint64("lost", seq.Lost()).Msg("Audio read stopped")
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// STUN keepalive responses and garbage end up here
			continue
		}
		logRTPRead(t.log, t.sess, from, &pkt)

		if err := seq.UpdateSeq(pkt.SequenceNumber); err != nil {
			t.log.Debug().Err(err).Uint16("seq", pkt.SequenceNumber).Msg("Bad RTP sequence")
		}

		if dtmfOK && pkt.PayloadType == dtmfPT {
			continue
		}
		pcm, err := audio.CodecForPayloadType(pkt.PayloadType)
		if err != nil {
			continue
		}
		if len(pkt.Payload) > len(samples) {
			continue
		}
		dn, _ := pcm.DecodeTo(samples, pkt.Payload)
		decoded := samples[:dn]

		if rec := t.currentRecorder(); rec != nil {
			rec.WriteReceived(decoded)
		}
		if !t.connected.Load() || !t.Direction().CanReceive() {
			continue
		}
		if err := t.device.WriteFrame(audio.Resample(decoded, int(codec.SampleRate), devRate)); err != nil {
			t.log.Error().Err(err).Msg("Device write failed")
		}
	}
}
