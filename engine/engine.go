// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/audiosession/audio"
	"github.com/emiago/audiosession/media"
	"github.com/emiago/audiosession/media/sdp"
	"github.com/emiago/audiosession/session"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	psdp "github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
)

var (
	// STUNTimeout is wait per binding request attempt
	STUNTimeout = 2 * time.Second

	ErrNoActiveAudio = errors.New("no active audio transport")
)

// RegistrationMetrics is optional accounting of registration outcomes
type RegistrationMetrics interface {
	RegistrationResult(outcome string)
}

type Config struct {
	// Account is our identity. Empty host in direct mode
	Account     sip.Uri
	DisplayName string
	// Digest credentials
	Username string
	Password string
	// Route is outbound proxy or registrar all requests are sent to
	Route      session.Route
	DirectMode bool

	LocalIP   net.IP
	SIPPort   int
	Transport string

	RTPPortStart int
	RTPPortEnd   int
	Formats      sdp.Formats
	Device       audio.Device
	STUNServers  []string

	// Expires is registration expiry we ask for
	Expires time.Duration
	// TraceDir enables SIP trace file when set
	TraceDir string
	// TraceEngine emits engine log lines as EngineLog events
	TraceEngine bool
	UserAgent   string

	Log     zerolog.Logger
	Metrics RegistrationMetrics
}

// Engine is sipgo based telephony engine. All results are reported through handler.
type Engine struct {
	conf    Config
	handler session.EventHandler
	log     zerolog.Logger

	ua       *sipgo.UserAgent
	client   *sipgo.Client
	server   *sipgo.Server
	dialogUA *sipgo.DialogUA
	contact  sip.ContactHeader
	tracer   *SIPTracer

	media  *media.MediaSession
	device audio.Device

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	invitations map[string]*Invitation
	active      *media.RTPTransport

	playMu   sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(conf Config, handler session.EventHandler) (*Engine, error) {
	if conf.LocalIP == nil {
		ip, _, err := sip.ResolveInterfacesIP("ip4", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve local IP: %w", err)
		}
		conf.LocalIP = ip
	}
	if conf.Transport == "" {
		conf.Transport = "udp"
	}
	conf.Transport = strings.ToLower(conf.Transport)
	if conf.Transport != "udp" && conf.Transport != "tcp" {
		return nil, fmt.Errorf("unsupported transport %q", conf.Transport)
	}
	if conf.Expires == 0 {
		conf.Expires = 600 * time.Second
	}
	if conf.UserAgent == "" {
		conf.UserAgent = "sip-audio-session"
	}
	if conf.Device == nil {
		conf.Device = audio.NewNullDevice(8000, 0)
	}
	if conf.SIPPort == 0 {
		port, err := freePort(conf.Transport, conf.LocalIP)
		if err != nil {
			return nil, err
		}
		conf.SIPPort = port
	}

	log := conf.Log.With().Str("caller", "engine").Logger()
	if conf.TraceEngine {
		log = log.Hook(engineLogHook{handler: handler, sender: "engine"})
	}

	e := &Engine{
		conf:        conf,
		handler:     handler,
		log:         log,
		device:      conf.Device,
		invitations: make(map[string]*Invitation),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if conf.TraceDir != "" {
		tracer, err := NewSIPTracer(conf.TraceDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open SIP trace: %w", err)
		}
		e.tracer = tracer
	}

	name := conf.Account.User
	if name == "" {
		name = conf.UserAgent
	}
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(name))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	e.ua = ua

	host := conf.LocalIP.String()
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(host),
		sipgo.WithClientPort(conf.SIPPort),
		sipgo.WithClientNAT(),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	e.client = client

	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	e.server = server

	e.contact = sip.ContactHeader{
		DisplayName: conf.DisplayName,
		Address: sip.Uri{
			Scheme:    "sip",
			User:      name,
			Host:      host,
			Port:      conf.SIPPort,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		},
	}
	if conf.Transport == "tcp" {
		e.contact.Address.UriParams.Add("transport", "tcp")
	}
	e.dialogUA = &sipgo.DialogUA{
		Client:     client,
		ContactHDR: e.contact,
	}

	media.RTPPortStart = conf.RTPPortStart
	media.RTPPortEnd = conf.RTPPortEnd
	msess, err := media.NewMediaSession(conf.LocalIP, 0)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create RTP session: %w", err)
	}
	e.media = msess

	server.OnInvite(e.onInvite)
	server.OnAck(e.onAck)
	server.OnBye(e.onBye)
	server.OnCancel(e.onCancel)
	server.OnOptions(e.onOptions)
	return e, nil
}

// Start serves SIP in background and resolves public RTP address.
// It returns once listener is bound. RTPTransportInit is always emitted once.
func (e *Engine) Start() error {
	hostport := net.JoinHostPort(e.conf.LocalIP.String(), strconv.Itoa(e.conf.SIPPort))
	ready := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	ctx := context.WithValue(e.ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyCtxValue(ready))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.server.ListenAndServe(ctx, e.conf.Transport, hostport)
		if err != nil && e.ctx.Err() == nil {
			e.log.Error().Err(err).Str("addr", hostport).Msg("SIP listener stopped")
		}
		errCh <- err
	}()

	select {
	case <-ready:
	case err := <-errCh:
		if err == nil {
			err = errors.New("listener closed")
		}
		return fmt.Errorf("failed to listen on %s: %w", hostport, err)
	}
	e.log.Info().Str("addr", hostport).Str("transport", e.conf.Transport).Msg("Listening for SIP")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.handler(e.initRTPTransport())
	}()
	return nil
}

func (e *Engine) initRTPTransport() session.RTPTransportInit {
	if len(e.conf.STUNServers) == 0 {
		return session.RTPTransportInit{Succeeded: true}
	}

	var lastErr error
	for _, srv := range e.conf.STUNServers {
		server := hostPortDefault(srv, 3478)
		addr, err := e.media.DiscoverExternalAddr(server, STUNTimeout)
		if err != nil {
			e.log.Info().Err(err).Str("server", server).Msg("STUN server failed")
			lastErr = err
			continue
		}
		e.log.Info().Str("server", server).Str("mapped", addr.String()).Msg("Public RTP address discovered")
		return session.RTPTransportInit{Succeeded: true}
	}
	return session.RTPTransportInit{Err: lastErr}
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		invs := make([]*Invitation, 0, len(e.invitations))
		for _, inv := range e.invitations {
			invs = append(invs, inv)
		}
		active := e.active
		e.mu.Unlock()

		for _, inv := range invs {
			inv.close()
		}
		if active != nil {
			if err := active.Stop(); err != nil {
				e.log.Error().Err(err).Msg("Failed to stop audio")
			}
		}

		e.cancel()
		e.wg.Wait()

		if err := e.media.Close(); err != nil {
			e.log.Error().Err(err).Msg("Failed to close RTP session")
		}
		if err := e.device.Close(); err != nil {
			e.log.Error().Err(err).Msg("Failed to close sound device")
		}
		e.ua.Close()
	})
}

// CloseTrace closes SIP trace file. Called after Stop so late messages are still logged
func (e *Engine) CloseTrace() error {
	return e.tracer.Close()
}

func (e *Engine) LocalAddr() (string, int) {
	return e.conf.LocalIP.String(), e.conf.SIPPort
}

// identity is URI we present in From
func (e *Engine) identity() sip.Uri {
	if e.conf.Account.Host != "" {
		return e.conf.Account
	}
	return e.contact.Address
}

// route sends request through outbound proxy when configured
func (e *Engine) route(req *sip.Request) {
	if e.conf.Route.Host != "" {
		port := e.conf.Route.Port
		if port == 0 {
			port = 5060
		}
		req.SetDestination(net.JoinHostPort(e.conf.Route.Host, strconv.Itoa(port)))
	}
	if e.conf.Transport != "udp" {
		req.SetTransport(strings.ToUpper(e.conf.Transport))
	}
}

func (e *Engine) NewRegistration() (session.Registration, error) {
	if e.conf.DirectMode || e.conf.Account.Host == "" {
		return nil, fmt.Errorf("registration needs account")
	}
	return newRegistration(e), nil
}

func (e *Engine) NewInvitation(target sip.Uri) (session.Invitation, error) {
	if target.Host == "" {
		return nil, fmt.Errorf("invalid target %q", target.User)
	}
	return newClientInvitation(e, target), nil
}

func (e *Engine) NewAudioTransport(remoteOffer *psdp.SessionDescription) (session.AudioTransport, error) {
	if remoteOffer != nil {
		if _, err := sdp.FirstAudio(remoteOffer); err != nil {
			return nil, err
		}
	}

	t := media.NewRTPTransport(e.media, media.RTPTransportConfig{
		Formats: e.conf.Formats,
		Device:  e.device,
		Log:     e.log,
	})
	e.mu.Lock()
	e.active = t
	e.mu.Unlock()
	return t, nil
}

func rtpTransport(t session.AudioTransport) (*media.RTPTransport, error) {
	rt, ok := t.(*media.RTPTransport)
	if !ok {
		return nil, fmt.Errorf("unknown audio transport %T", t)
	}
	return rt, nil
}

func (e *Engine) ConnectAudioTransport(t session.AudioTransport) error {
	rt, err := rtpTransport(t)
	if err != nil {
		return err
	}
	rt.Connect()
	return nil
}

func (e *Engine) DisconnectAudioTransport(t session.AudioTransport) error {
	rt, err := rtpTransport(t)
	if err != nil {
		return err
	}
	rt.Disconnect()
	return nil
}

func (e *Engine) activeTransport() *media.RTPTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || !e.active.IsActive() {
		return nil
	}
	return e.active
}

func (e *Engine) SetEchoCancellation(tail time.Duration) error {
	return e.device.SetEchoCancellation(tail)
}

// DetectNATType probes STUN server in background and emits NATTypeDetected
func (e *Engine) DetectNATType(host string, port int) error {
	if host == "" {
		return fmt.Errorf("empty STUN host")
	}
	server := net.JoinHostPort(host, strconv.Itoa(port))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		typ, err := media.DetectNATType(e.conf.LocalIP, server, STUNTimeout)
		if err != nil {
			e.handler(session.NATTypeDetected{Err: err})
			return
		}
		e.handler(session.NATTypeDetected{Succeeded: true, NATType: typ})
	}()
	return nil
}

// PlayWav plays file on sound device in background. Missing ringtones are generated.
// Tones are played one after another.
func (e *Engine) PlayWav(path string) error {
	rate := e.device.SampleRate()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		base := filepath.Base(path)
		if base != audio.RingtoneInbound && base != audio.RingtoneOutbound {
			return err
		}
		if err := audio.WriteRingtoneWav(path, rate, base == audio.RingtoneInbound); err != nil {
			return fmt.Errorf("failed to generate ringtone: %w", err)
		}
	}

	pcm, err := audio.ReadWavFile(path, rate)
	if err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.playMu.Lock()
		defer e.playMu.Unlock()
		if err := playPCM(e.ctx, e.device, pcm, 20*time.Millisecond); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Str("file", path).Msg("Playback failed")
		}
	}()
	return nil
}

// playPCM writes samples to device in frames paced at real time
func playPCM(ctx context.Context, dev audio.Device, pcm []int16, ptime time.Duration) error {
	frameSize := dev.SampleRate() * int(ptime) / int(time.Second)
	if frameSize <= 0 {
		return fmt.Errorf("invalid frame size for %d Hz", dev.SampleRate())
	}
	ticker := time.NewTicker(ptime)
	defer ticker.Stop()

	for len(pcm) > 0 {
		n := min(frameSize, len(pcm))
		if err := dev.WriteFrame(pcm[:n]); err != nil {
			return err
		}
		pcm = pcm[n:]

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// RecordWav records active call audio to stereo WAV
func (e *Engine) RecordWav(path string) (session.Recording, error) {
	t := e.activeTransport()
	if t == nil {
		return nil, ErrNoActiveAudio
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	rec := &recording{
		name:      path,
		f:         f,
		rec:       audio.NewWavRecorder(f, t.SampleRate()),
		transport: t,
	}
	t.SetRecorder(rec.rec)
	return rec, nil
}

type recording struct {
	name      string
	f         *os.File
	rec       *audio.WavRecorder
	transport *media.RTPTransport
	once      sync.Once
}

func (r *recording) FileName() string {
	return r.name
}

func (r *recording) Stop() (err error) {
	r.once.Do(func() {
		r.transport.SetRecorder(nil)
		err = errors.Join(r.rec.Close(), r.f.Close())
	})
	return err
}

func (e *Engine) storeInvitation(callID string, inv *Invitation) {
	e.mu.Lock()
	e.invitations[callID] = inv
	e.mu.Unlock()
}

func (e *Engine) deleteInvitation(callID string) {
	e.mu.Lock()
	delete(e.invitations, callID)
	e.mu.Unlock()
}

func (e *Engine) loadInvitation(req *sip.Request) *Invitation {
	cid := req.CallID()
	if cid == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invitations[cid.Value()]
}

func (e *Engine) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	e.tracer.Response(traceOut, res)
	if err := tx.Respond(res); err != nil {
		e.log.Error().Err(err).Int("code", int(code)).Msg("Failed to respond")
	}
}

func (e *Engine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.Request(traceIn, req)
	if inv := e.loadInvitation(req); inv != nil {
		if toTag(req) == "" {
			// Retransmission of initial INVITE is absorbed by transaction layer
			return
		}
		inv.handleReinvite(req, tx)
		return
	}
	if toTag(req) != "" {
		e.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	inv, err := newServerInvitation(e, req, tx)
	if err != nil {
		e.log.Info().Err(err).Msg("Rejecting INVITE")
		e.respond(req, tx, sip.StatusBadRequest, "Bad Request")
		return
	}
	// Handler stays blocked while the invite transaction is pending
	inv.serve(e.ctx)
}

func (e *Engine) onAck(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.Request(traceIn, req)
	inv := e.loadInvitation(req)
	if inv == nil {
		return
	}
	inv.handleAck(req, tx)
}

func (e *Engine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.Request(traceIn, req)
	inv := e.loadInvitation(req)
	if inv == nil {
		e.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	inv.handleBye(req, tx)
}

func (e *Engine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.Request(traceIn, req)
	inv := e.loadInvitation(req)
	if inv == nil {
		e.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	e.respond(req, tx, sip.StatusOK, "OK")
	inv.handleCancel()
}

func (e *Engine) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.Request(traceIn, req)
	e.respond(req, tx, sip.StatusOK, "OK")
}

func toTag(req *sip.Request) string {
	to := req.To()
	if to == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

var reportedHeaders = []string{"User-Agent", "Server"}

// messageHeaders picks headers controller reports to user
func messageHeaders(msg interface{ GetHeader(name string) sip.Header }, contact *sip.ContactHeader) map[string]string {
	hdrs := make(map[string]string)
	for _, name := range reportedHeaders {
		if h := msg.GetHeader(name); h != nil {
			hdrs[name] = h.Value()
		}
	}
	if contact != nil {
		hdrs["Contact"] = contact.Address.String()
	}
	return hdrs
}

func hostPortDefault(hostport string, defPort int) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(strings.Trim(hostport, "[]"), strconv.Itoa(defPort))
}

func freePort(transport string, ip net.IP) (int, error) {
	if transport == "tcp" {
		l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: ip})
		if err != nil {
			return 0, err
		}
		defer l.Close()
		return l.Addr().(*net.TCPAddr).Port, nil
	}
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
	if err != nil {
		return 0, err
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port, nil
}
