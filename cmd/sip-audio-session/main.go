// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/emiago/audiosession/audio"
	"github.com/emiago/audiosession/config"
	"github.com/emiago/audiosession/engine"
	"github.com/emiago/audiosession/media"
	"github.com/emiago/audiosession/metrics"
	"github.com/emiago/audiosession/session"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

func main() {
	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.WarnLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	os.Exit(run(os.Args[1:], os.Stdout, log))
}

func run(args []string, out io.Writer, log zerolog.Logger) int {
	opts, err := parseOptions(args, out)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return 1
	}

	s, err := prepare(opts, out)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return 1
	}

	app := session.NewApp(out, log)
	return invite(app, s)
}

type setup struct {
	conf   *config.Config
	target *sip.Uri
	route  session.Route
	opts   *options
	// stun is discovered from domain SRV records
	stun []string
}

// prepare merges config and command line, then prints account selection
func prepare(opts *options, out io.Writer) (*setup, error) {
	conf, err := config.Load(opts.ConfigPath, opts.AccountName)
	if err != nil {
		return nil, err
	}
	conf.Apply(opts.Overrides)
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	s := &setup{conf: conf, opts: opts}
	if opts.Target != "" {
		t, err := parseTarget(opts.Target, conf.Domain)
		if err != nil {
			return nil, err
		}
		s.target = &t
	}

	fmt.Fprintf(out, "Accounts available: %s\n", strings.Join(conf.Accounts, ", "))
	switch {
	case opts.AccountName == "":
		fmt.Fprintf(out, "Using default account: %s\n", conf.Account.SIPAddress)
	case !conf.DirectMode:
		fmt.Fprintf(out, "Using account '%s': %s\n", opts.AccountName, conf.Account.SIPAddress)
	}

	if conf.DirectMode {
		transports := engineTransports(conf)
		if len(transports) == 0 {
			return nil, fmt.Errorf("%w: none of %v is supported", errNoRoute, conf.General.SIPTransports)
		}
		s.route = session.Route{Transport: transports[0]}
		return s, nil
	}
	s.stun = lookupSTUN(conf.Domain)
	s.route, err = resolveRoute(conf)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func engineConfig(s *setup, log zerolog.Logger) (engine.Config, error) {
	c := s.conf
	ec := engine.Config{
		DisplayName: c.Account.DisplayName,
		Username:    c.Username,
		Password:    c.Account.Password,
		Route:       s.route,
		DirectMode:  c.DirectMode,
		Transport:   s.route.Transport,
		TraceEngine: c.General.TraceEngine,
		Log:         log,
	}
	if srv := iceSTUNServer(c, s.stun); srv != "" {
		ec.STUNServers = []string{srv}
	}
	if c.Account.UseICE {
		log.Warn().Msg("ICE is not supported, media uses plain RTP")
	}
	if !c.DirectMode {
		ec.Account = sip.Uri{Scheme: "sip", User: c.Username, Host: c.Domain}
	}
	if c.General.LocalIP != "" {
		ec.LocalIP = net.ParseIP(c.General.LocalIP)
		if ec.LocalIP == nil {
			return ec, fmt.Errorf("invalid local_ip %q", c.General.LocalIP)
		}
	}
	ec.SIPPort = c.General.SIPLocalUDPPort
	if ec.Transport == "tcp" {
		ec.SIPPort = c.General.SIPLocalTCPPort
	}

	fmts, unsupported := media.FormatsFromCodecNames(c.Audio.CodecList)
	if len(unsupported) > 0 {
		log.Debug().Strs("codecs", unsupported).Msg("Skipping unsupported codecs")
	}
	if len(fmts) == 0 {
		return ec, fmt.Errorf("none of codecs %v is supported", c.Audio.CodecList)
	}
	ec.Formats = fmts

	tail := time.Duration(c.Audio.EchoCancellationTailLength) * time.Millisecond
	// Sound is never opened, disable_sound only skips device echo setup
	ec.Device = audio.NewNullDevice(c.Audio.SampleRate*1000, tail)

	if c.General.TraceSIP {
		ec.TraceDir = c.AccountDir(c.General.LogDirectory)
	}
	return ec, nil
}

func invite(app *session.App, s *setup) int {
	log := app.Log
	ec, err := engineConfig(s, log)
	if err != nil {
		fmt.Fprintf(app.Out, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if addr := s.conf.General.MetricsAddr; addr != "" {
		collector := metrics.New()
		app.Metrics = collector
		ec.Metrics = collector
		go func() {
			if err := collector.Serve(ctx, addr, log); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	if ec.TraceDir != "" {
		fmt.Fprintf(app.Out, "Logging SIP trace to file '%s'\n", filepath.Join(ec.TraceDir, "sip_trace.txt"))
	}

	eng, err := engine.New(ec, app.Queue.Handler())
	if err != nil {
		fmt.Fprintf(app.Out, "Error: %v\n", err)
		return 1
	}
	app.StopLogger = func() {
		if err := eng.CloseTrace(); err != nil {
			log.Error().Err(err).Msg("Failed to close SIP trace")
		}
	}
	if err := eng.Start(); err != nil {
		eng.Stop()
		app.StopLogger()
		fmt.Fprintf(app.Out, "Error: %v\n", err)
		return 1
	}

	if len(ec.STUNServers) > 0 {
		fmt.Fprintf(app.Out, "Waiting for STUN response for ICE from %s\n", ec.STUNServers[0])
		if err := session.WaitTraversal(ctx, app.Queue, app.Out); err != nil {
			eng.Stop()
			app.StopLogger()
			fmt.Fprintf(app.Out, "Error: %v\n", err)
			return 1
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	ctrl := session.NewController(app, eng, session.Options{
		Account:      ec.Account,
		Target:       s.target,
		Route:        s.route,
		DirectMode:   s.conf.DirectMode,
		STUNServers:  s.stun,
		AutoHangup:   s.opts.AutoHangup,
		ECTail:       s.conf.Audio.EchoCancellationTailLength,
		HistoryDir:   s.conf.General.HistoryDirectory,
		ResourcesDir: s.conf.General.ResourcesDirectory,
		TraceEngine:  s.conf.General.TraceEngine,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ctrl.Run(ctx); err != nil {
			log.Debug().Err(err).Msg("Controller finished")
		}
	}()

	kb := session.NewKeyboardReader(os.Stdin, app.Queue)
	go func() {
		if err := kb.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Keyboard reader failed")
		}
	}()

	select {
	case <-sigs:
		if app.Shutdown.UserQuit() {
			fmt.Fprintln(app.Out, "Ctrl+C pressed, exiting instantly!")
			app.Queue.Put(session.Quit{})
		}
	case <-done:
	}
	<-done
	app.Shutdown.Wait()
	kb.Restore()
	return app.ReturnCode()
}
