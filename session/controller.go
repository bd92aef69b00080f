// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emiago/audiosession/media/sdp"
	"github.com/emiago/sipgo/sip"
	psdp "github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
)

// Route is where requests are sent
type Route struct {
	Transport string
	Host      string
	Port      int
}

// App is shared application context. Nothing here is package level.
type App struct {
	Queue    *Queue
	Shutdown *Shutdown
	Out      io.Writer
	Log      zerolog.Logger
	Metrics  Metrics
	// StopLogger is called on teardown
	StopLogger func()

	returnCode atomic.Int32
}

func NewApp(out io.Writer, log zerolog.Logger) *App {
	a := &App{
		Queue:    NewQueue(),
		Shutdown: NewShutdown(),
		Out:      out,
		Log:      log,
		Metrics:  noopMetrics{},
	}
	a.returnCode.Store(1)
	return a
}

// ReturnCode is process exit code. Valid after Shutdown.Wait
func (a *App) ReturnCode() int {
	return int(a.returnCode.Load())
}

func (a *App) setReturnCode(c int) {
	a.returnCode.Store(int32(c))
}

type Options struct {
	// Account is local identity. Empty in direct mode
	Account sip.Uri
	// Target is callee. Nil means waiting for incoming sessions
	Target *sip.Uri
	Route  Route
	// DirectMode registers nowhere and waits on local interface
	DirectMode bool
	// STUNServers in host:port form used for NAT type detection
	STUNServers []string
	// AutoHangup hangs up after media started. Nil disables
	AutoHangup   *time.Duration
	ECTail       int
	HistoryDir   string
	ResourcesDir string
	TraceEngine  bool
	RingInterval time.Duration
}

// Controller is single consumer of Queue and owns all call state
type Controller struct {
	app    *App
	engine Engine
	opts   Options
	log    zerolog.Logger

	ctx context.Context

	reg       Registration
	inv       Invitation
	audio     AudioTransport
	ringer    *Ringer
	recording Recording

	state          DialogState
	lastState      DialogState
	lastPrev       DialogState
	printed        bool
	wantQuit       bool
	otherUserAgent string
	onHold         bool
	startTime      time.Time
	mediaArmed     bool
	ecTail         int
	done           bool
}

func NewController(app *App, engine Engine, opts Options) *Controller {
	if opts.RingInterval == 0 {
		opts.RingInterval = RingInterval
	}
	if app.Metrics == nil {
		app.Metrics = noopMetrics{}
	}
	return &Controller{
		app:      app,
		engine:   engine,
		opts:     opts,
		log:      app.Log.With().Str("caller", "controller").Logger(),
		state:    StateNull,
		wantQuit: opts.Target != nil,
		ecTail:   opts.ECTail,
	}
}

// Run owns the loop until Quit. Teardown is always executed once.
// Error is returned on abnormal termination.
func (c *Controller) Run(ctx context.Context) (err error) {
	c.app.Shutdown.acquire()
	c.ctx = ctx
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller panic: %v", r)
		}
		if err != nil {
			c.log.Error().Err(err).Msg("Session controller failed")
			c.app.Shutdown.SetUserQuit(false)
		}
		c.teardown()
	}()

	if err := c.startup(); err != nil {
		return err
	}

	for !c.done {
		ev, err := c.app.Queue.Get(ctx)
		if err != nil {
			return err
		}
		if err := c.handle(ev); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) teardown() {
	c.engine.Stop()
	if c.app.StopLogger != nil {
		c.app.StopLogger()
	}
	if !c.app.Shutdown.UserQuit() {
		if err := c.app.Shutdown.Interrupt(); err != nil {
			c.log.Error().Err(err).Msg("Failed to interrupt main")
		}
	}
	c.app.Shutdown.release()
}

func (c *Controller) printf(format string, args ...any) {
	fmt.Fprintf(c.app.Out, format+"\n", args...)
}

func (c *Controller) printControlKeys() {
	c.printf("Available control keys:")
	c.printf("  h: hang-up the active session")
	c.printf("  r: toggle audio recording")
	c.printf("  <> : adjust echo cancellation")
	c.printf("  SPACE: hold/on-hold")
	c.printf("  Ctrl-d: quit the program")
}

func (c *Controller) startup() error {
	if !c.opts.DirectMode && len(c.opts.STUNServers) > 0 {
		host, port, err := splitHostPort(c.opts.STUNServers[0], 3478)
		if err == nil {
			err = c.engine.DetectNATType(host, port)
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("NAT type detection not started")
		}
	}

	if c.opts.Target == nil {
		if c.opts.DirectMode {
			host, port := c.engine.LocalAddr()
			c.printf("Using bonjour")
			c.printf("Listening on local interface %s:%d", host, port)
			c.printControlKeys()
			c.printf("Waiting for incoming SIP session requests...")
			return nil
		}

		reg, err := c.engine.NewRegistration()
		if err != nil {
			return fmt.Errorf("failed to create registration: %w", err)
		}
		c.reg = reg
		c.printf("Registering \"%s\" at %s:%d", c.opts.Account.String(), c.opts.Route.Host, c.opts.Route.Port)
		return reg.Register()
	}

	inv, err := c.engine.NewInvitation(*c.opts.Target)
	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	c.inv = inv
	c.printf("Call from %s to %s through proxy %s:%s:%d", uriString(inv.CallerURI()), uriString(inv.CalleeURI()), c.opts.Route.Transport, c.opts.Route.Host, c.opts.Route.Port)

	audio, err := c.engine.NewAudioTransport(nil)
	if err != nil {
		return fmt.Errorf("failed to create audio transport: %w", err)
	}
	c.audio = audio
	inv.SetOfferedLocalSDP(c.localSession(audio.LocalMedia(nil, ""), nil))
	if err := inv.SendInvite(); err != nil {
		return fmt.Errorf("failed to send invite: %w", err)
	}
	c.printControlKeys()
	return nil
}

func (c *Controller) handle(ev Event) error {
	switch e := ev.(type) {
	case Print:
		c.printf("%s", e.Text)
	case RegistrationState:
		c.onRegistrationState(e)
	case InvitationSDP:
		return c.onInvitationSDP(e)
	case InvitationState:
		return c.onInvitationState(e)
	case NATTypeDetected:
		if e.Succeeded {
			c.printf("Detected NAT type: %s", e.NATType)
		} else {
			c.log.Info().Err(e.Err).Msg("NAT type detection failed")
		}
	case RTPTransportInit:
		if !e.Succeeded {
			c.log.Warn().Err(e.Err).Msg("RTP transport init failed")
		}
	case EngineLog:
		if c.opts.TraceEngine {
			c.printf("%s", e.String())
		}
	case UserInput:
		return c.onUserInput(e)
	case PlayTone:
		if err := c.engine.PlayWav(c.resolvePath(e.Name)); err != nil {
			c.log.Error().Err(err).Str("tone", e.Name).Msg("Failed to play tone")
		}
	case EOF:
		c.wantQuit = true
		c.end()
	case End:
		c.end()
	case Unregister:
		c.unregister()
	case Quit:
		c.done = true
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
	return nil
}

func (c *Controller) resolvePath(name string) string {
	if filepath.IsAbs(name) || c.opts.ResourcesDir == "" {
		return name
	}
	return filepath.Join(c.opts.ResourcesDir, name)
}

func (c *Controller) quit() {
	c.app.Shutdown.SetUserQuit(false)
	c.done = true
}

func (c *Controller) end() {
	if c.inv == nil {
		c.unregister()
		return
	}
	if err := c.inv.Disconnect(); err != nil {
		if !errors.Is(err, ErrNoDialog) {
			c.log.Error().Err(err).Msg("Failed to disconnect")
		}
		c.unregister()
	}
}

func (c *Controller) unregister() {
	if c.opts.Target == nil && !c.opts.DirectMode && c.reg != nil {
		if err := c.reg.Unregister(); err != nil {
			c.log.Error().Err(err).Msg("Failed to unregister")
			c.quit()
		}
		return
	}
	c.quit()
}

func (c *Controller) onRegistrationState(e RegistrationState) {
	switch e.State {
	case RegistrationRegistered:
		if c.printed {
			return
		}
		c.printf("REGISTER was successful")
		c.printf("Contact: %s (expires in %d seconds)", e.Contact, e.Expires)
		c.printControlKeys()
		c.printf("Waiting for incoming session...")
		c.printed = true
	case RegistrationFailed:
		c.printf("REGISTER failed: %d %s", e.Code, e.Reason)
		c.quit()
	case RegistrationUnregistered:
		if e.Code != 0 && e.Code/100 != 2 {
			c.printf("Unregistered: %d %s", e.Code, e.Reason)
		} else if c.inv == nil {
			c.app.setReturnCode(0)
		}
		c.quit()
	}
}

func (c *Controller) onInvitationSDP(e InvitationSDP) error {
	if c.inv == nil || e.Invitation != c.inv {
		c.log.Debug().Msg("Ignoring SDP event of unknown invitation")
		return nil
	}
	if !e.Succeeded {
		c.printf("SDP negotation failed: %v", e.Err)
		return nil
	}
	if c.audio == nil {
		return fmt.Errorf("negotiation done without audio transport")
	}

	if c.audio.IsStarted() {
		local := c.inv.ActiveLocalSDP()
		md, err := sdp.FirstAudio(local)
		if err != nil {
			c.log.Error().Err(err).Msg("Active local SDP has no audio")
			return nil
		}
		if err := c.audio.UpdateDirection(sdp.MediaMode(md)); err != nil {
			c.log.Error().Err(err).Msg("Failed to update audio direction")
		}
		return nil
	}

	c.stopRinger()
	if err := c.audio.Start(e.LocalSDP, e.RemoteSDP); err != nil {
		c.printf("SDP negotation failed: %v", err)
		return nil
	}
	c.startTime = time.Now()
	if err := c.engine.ConnectAudioTransport(c.audio); err != nil {
		c.log.Error().Err(err).Msg("Failed to connect audio transport")
	}
	c.printf("Media negotiation done, using \"%s\" codec at %dHz", c.audio.Codec(), c.audio.SampleRate())
	local, remote := c.audio.LocalRTPAddr(), c.audio.RemoteRTPAddr()
	c.printf("Audio RTP endpoints %s:%d <-> %s:%d", local.IP, local.Port, remote.IP, remote.Port)
	c.app.setReturnCode(0)
	c.app.Metrics.CallStarted(c.direction())

	if c.opts.AutoHangup != nil && !c.mediaArmed {
		c.mediaArmed = true
		q := c.app.Queue
		time.AfterFunc(*c.opts.AutoHangup, func() { q.Put(EOF{}) })
	}
	if c.audio.Encrypted() {
		c.printf("RTP audio stream is encrypted")
	}
	return nil
}

func (c *Controller) direction() string {
	if c.opts.Target != nil {
		return "outbound"
	}
	return "inbound"
}

func (c *Controller) isDuplicate(e InvitationState) bool {
	if e.State == StateEarly {
		return false
	}
	if e.State == e.Prev {
		return true
	}
	return e.Invitation == c.inv && e.State == c.lastState && e.Prev == c.lastPrev
}

func (c *Controller) onInvitationState(e InvitationState) error {
	if c.isDuplicate(e) {
		c.log.Debug().Str("state", string(e.State)).Str("prev", string(e.Prev)).Msg("SAME STATE")
		return nil
	}

	if e.State == StateIncoming {
		c.onIncoming(e)
		return nil
	}

	if e.Invitation != c.inv {
		c.log.Debug().Str("state", string(e.State)).Msg("Ignoring state of unknown invitation")
		return nil
	}
	c.lastState, c.lastPrev = e.State, e.Prev
	c.state = e.State

	switch {
	case e.State == StateEarly:
		if e.Code == 180 && c.ringer == nil {
			c.printf("Ringing...")
			c.ringer = StartRinger(c.ctx, c.app.Queue, c.opts.Target == nil, c.opts.RingInterval)
		}
	case e.State == StateConnecting:
		if ua, ok := e.Headers["User-Agent"]; ok {
			c.otherUserAgent = ua
		}
	case e.State == StateConfirmed && e.Prev == StateConnecting:
		if c.otherUserAgent != "" {
			c.printf("Remote SIP User Agent is \"%s\"", c.otherUserAgent)
		}
	case e.State == StateReinvited:
		return c.onReinvited()
	case e.State == StateDisconnected:
		c.onDisconnected(e)
	}
	return nil
}

func (c *Controller) onIncoming(e InvitationState) {
	c.printf("Incoming session...")
	if c.inv != nil {
		c.printf("Rejecting.")
		c.disconnectForeign(e.Invitation)
		return
	}

	remote := e.Invitation.OfferedRemoteSDP()
	if remote == nil || !sdp.IsSingleAudio(remote) {
		c.printf("Not an audio call, rejecting.")
		c.disconnectForeign(e.Invitation)
		return
	}

	c.inv = e.Invitation
	c.lastState, c.lastPrev = e.State, e.Prev
	c.state = e.State
	c.otherUserAgent = e.Headers["User-Agent"]
	if c.ringer == nil {
		c.ringer = StartRinger(c.ctx, c.app.Queue, true, c.opts.RingInterval)
	}
	if err := c.inv.RespondProvisionally(); err != nil {
		c.log.Error().Err(err).Msg("Failed to respond provisionally")
	}
	c.printf("Incoming audio session from \"%s\", do you want to accept? (y/n)", uriString(c.inv.CallerURI()))
}

func (c *Controller) disconnectForeign(inv Invitation) {
	if err := inv.Disconnect(); err != nil && !errors.Is(err, ErrNoDialog) {
		c.log.Error().Err(err).Msg("Failed to reject invitation")
	}
}

func (c *Controller) onReinvited() error {
	offered := c.inv.OfferedRemoteSDP()
	newRemote, err := sdp.FirstAudio(offered)
	if err != nil {
		c.log.Warn().Err(err).Msg("Rejecting re-INVITE without audio")
		return c.rejectReinvite()
	}
	prevRemote, err := sdp.FirstAudio(c.inv.ActiveRemoteSDP())
	if err != nil || c.audio == nil {
		c.log.Warn().Err(err).Msg("Rejecting re-INVITE without active audio")
		return c.rejectReinvite()
	}

	prevDir, newDir := sdp.MediaMode(prevRemote), sdp.MediaMode(newRemote)
	if prevDir.CanReceive() && !newDir.CanReceive() {
		c.printf("Remote party is placing us on hold")
	} else if !prevDir.CanReceive() && newDir.CanReceive() {
		c.printf("Remote party is taking us out of hold")
	}

	local := c.inv.ActiveLocalSDP()
	sdp.BumpVersion(local)
	sdp.ReplaceAudio(local, c.audio.LocalMedia(offered, ""))
	c.inv.SetOfferedLocalSDP(local)
	return c.inv.RespondToReinvite()
}

func (c *Controller) rejectReinvite() error {
	if err := c.inv.RejectReinvite(); err != nil {
		c.log.Error().Err(err).Msg("Failed to reject re-INVITE")
	}
	return nil
}

func (c *Controller) onDisconnected(e InvitationState) {
	c.stopRecording()
	c.stopRinger()

	var msg string
	outcome := "remote"
	switch e.Prev {
	case StateDisconnecting:
		msg = "Session ended by local user"
		outcome = "local"
	case StateCalling, StateEarly:
		if srv, ok := e.Headers["Server"]; ok {
			c.printf("Remote SIP server is \"%s\"", srv)
		} else if ua, ok := e.Headers["User-Agent"]; ok {
			c.printf("Remote SIP User Agent is \"%s\"", ua)
		}
		msg = "Session could not be established"
		outcome = "failed"
	default:
		msg = fmt.Sprintf("Session ended by \"%s\"", uriString(c.inv.RemoteURI()))
	}

	if e.Code != 0 && e.Code/100 != 2 {
		c.printf("%s: %d %s", msg, e.Code, e.Reason)
		if e.Code == 408 && e.Prev == StateConnecting {
			c.printf("Session failed because ACK was never received")
		}
		if e.Code == 301 || e.Code == 302 {
			c.printf("Received redirect request to \"%s\"", e.Headers["Contact"])
			c.app.setReturnCode(0)
			outcome = "redirect"
		}
	} else {
		c.printf("%s", msg)
	}

	if !c.startTime.IsZero() {
		d := time.Since(c.startTime)
		secs := int(d.Seconds())
		c.printf("Session duration was %d minutes, %d seconds", secs/60, secs%60)
		c.app.Metrics.CallEnded(c.direction(), outcome, d)
		c.startTime = time.Time{}
	}

	if c.wantQuit {
		c.unregister()
		return
	}

	if c.audio != nil {
		if err := c.audio.Stop(); err != nil {
			c.log.Error().Err(err).Msg("Failed to stop audio")
		}
	}
	c.audio = nil
	c.inv = nil
	c.onHold = false
	c.state = StateNull
	c.lastState, c.lastPrev = "", ""
}

func (c *Controller) stopRinger() {
	if c.ringer == nil {
		return
	}
	c.ringer.Stop()
	c.ringer = nil
}

func (c *Controller) stopRecording() {
	if c.recording == nil {
		return
	}
	if err := c.recording.Stop(); err != nil {
		c.log.Error().Err(err).Msg("Failed to stop recording")
	}
	c.printf("Stopped recording audio to \"%s\"", c.recording.FileName())
	c.recording = nil
}

func (c *Controller) onUserInput(e UserInput) error {
	if len(e.Data) == 0 {
		return nil
	}
	key := rune(e.Data[0])

	if c.inv != nil {
		if err := c.onDialogKey(key); err != nil {
			return err
		}
	}

	switch key {
	case ',', '<':
		c.adjustEchoTail(false)
	case '.', '>':
		c.adjustEchoTail(true)
	}
	return nil
}

func (c *Controller) onDialogKey(key rune) error {
	switch {
	case key == 'h' || key == 'H':
		c.wantQuit = c.opts.Target != nil
		c.end()
	case strings.ContainsRune("0123456789*#ABCD", key):
		if c.audio == nil || !c.audio.IsActive() {
			return nil
		}
		if err := c.audio.SendDTMF(key); err != nil {
			c.log.Error().Err(err).Msg("Failed to send DTMF")
			return nil
		}
		c.app.Metrics.DTMFSent()
	case key == 'r' || key == 'R':
		c.toggleRecording()
	case key == ' ':
		if c.inv.State() == StateConfirmed {
			return c.toggleHold()
		}
	case (c.inv.State() == StateIncoming || c.inv.State() == StateEarly) && c.opts.Target == nil:
		switch key {
		case 'n', 'N':
			c.wantQuit = false
			c.end()
		case 'y', 'Y':
			return c.accept()
		}
	}
	return nil
}

func (c *Controller) toggleRecording() {
	if c.recording != nil {
		c.stopRecording()
		return
	}

	path := RecordingPath(c.opts.HistoryDir, c.opts.Account, c.inv.CallerURI(), c.inv.CalleeURI(), time.Now())
	rec, err := c.engine.RecordWav(path)
	if err != nil {
		c.printf("Error while trying to record file: %v", err)
		return
	}
	c.recording = rec
	c.printf("Recording audio to \"%s\"", rec.FileName())
}

func (c *Controller) toggleHold() error {
	if c.audio == nil {
		return nil
	}
	var dir sdp.Mode
	if !c.onHold {
		c.onHold = true
		c.printf("Placing call on hold")
		dir = HoldDirection(c.audio.Direction(), true)
		if err := c.engine.DisconnectAudioTransport(c.audio); err != nil {
			c.log.Error().Err(err).Msg("Failed to disconnect audio")
		}
	} else {
		c.onHold = false
		c.printf("Taking call out of hold")
		dir = HoldDirection(c.audio.Direction(), false)
		if err := c.engine.ConnectAudioTransport(c.audio); err != nil {
			c.log.Error().Err(err).Msg("Failed to connect audio")
		}
	}

	local := c.inv.ActiveLocalSDP()
	if local == nil {
		return fmt.Errorf("confirmed dialog without local SDP")
	}
	sdp.BumpVersion(local)
	sdp.ReplaceAudio(local, c.audio.LocalMedia(nil, dir))
	c.inv.SetOfferedLocalSDP(local)
	if err := c.inv.SendReinvite(); err != nil {
		c.log.Error().Err(err).Msg("Failed to send reinvite")
	}
	return nil
}

func (c *Controller) accept() error {
	remote := c.inv.OfferedRemoteSDP()
	audio, err := c.engine.NewAudioTransport(remote)
	if err != nil {
		return fmt.Errorf("failed to create audio transport: %w", err)
	}
	c.audio = audio
	c.inv.SetOfferedLocalSDP(c.localSession(audio.LocalMedia(remote, ""), remote))
	if err := c.inv.Accept(); err != nil {
		c.log.Error().Err(err).Msg("Failed to accept invite")
	}
	return nil
}

func (c *Controller) adjustEchoTail(up bool) {
	next, changed := StepEchoTail(c.ecTail, up)
	if changed {
		c.ecTail = next
		if err := c.engine.SetEchoCancellation(time.Duration(next) * time.Millisecond); err != nil {
			c.log.Error().Err(err).Msg("Failed to set echo cancellation")
		}
	}
	c.printf("Set echo cancellation tail length to %d ms", c.ecTail)
}

func (c *Controller) localSession(md *psdp.MediaDescription, remote *psdp.SessionDescription) *psdp.SessionDescription {
	sd := sdp.NewAudioSession(c.audio.LocalRTPAddr().IP, md)
	if remote != nil && len(remote.TimeDescriptions) > 0 {
		sd.TimeDescriptions = append([]psdp.TimeDescription(nil), remote.TimeDescriptions...)
	}
	return sd
}

func splitHostPort(hostport string, defPort int) (string, int, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port present
		return hostport, defPort, nil
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}
	return host, port, nil
}

func uriString(u sip.Uri) string {
	return u.String()
}
