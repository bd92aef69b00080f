// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/audiosession/config"
)

const usage = `Usage: sip-audio-session [options] [target-user@target-domain.com]

This script can sit idle waiting for an incoming audio call, or perform an outgoing
audio call to the target SIP account. The program will close the session and quit
when Ctrl+D is pressed.

Options:
`

type options struct {
	AccountName string
	ConfigPath  string
	Overrides   config.Overrides
	// AutoHangup is nil when not requested
	AutoHangup *time.Duration
	Target     string
}

// parseOptions parses command line arguments without program name
func parseOptions(args []string, out io.Writer) (*options, error) {
	opts := &options{}
	fs := flagSet{FlagSet: flag.NewFlagSet("sip-audio-session", flag.ContinueOnError), long: map[string]string{}}
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprint(out, usage)
		fs.PrintDefaults()
	}

	var (
		sipAddress, password, displayName, proxy, codecs, metricsAddr string
		traceSIP, traceEngine, disableSound                           bool
		ecTail, sampleRate                                            int
		autoHangup                                                    string
	)
	fs.stringVar(&opts.AccountName, "a", "account-name", "The account name from which to read account settings. Corresponds to section Account_NAME in the configuration file.")
	fs.StringVar(&sipAddress, "sip-address", "", "SIP address of the user in the form user@domain")
	fs.stringVar(&password, "p", "password", "Password to use to authenticate the local account")
	fs.stringVar(&displayName, "n", "display-name", "Display name to use for the local account")
	fs.stringVar(&proxy, "o", "outbound-proxy", "Outbound SIP proxy to use, IP[:PORT]. By default a lookup of the domain is performed based on SRV and A records")
	fs.boolVar(&traceSIP, "s", "trace-sip", "Dump the raw contents of incoming and outgoing SIP messages")
	fs.intVar(&ecTail, "t", "ec-tail-length", "Echo cancellation tail length in ms, 0 disables echo cancellation. Default is 50 ms")
	fs.intVar(&sampleRate, "r", "sample-rate", "Sample rate in kHz, should be one of 8, 16 or 32kHz. Default is 32kHz")
	fs.stringVar(&codecs, "c", "codecs", `Comma separated list of codecs to be used. Default is "speex,g711,ilbc,gsm,g722"`)
	fs.boolVar(&disableSound, "S", "disable-sound", "Do not initialize the soundcard")
	fs.boolVar(&traceEngine, "j", "trace-engine", "Print engine logging output")
	fs.StringVar(&autoHangup, "auto-hangup", "", "Interval in seconds after which to hangup an on-going call. Defaults to 0 when given without interval")
	fs.StringVar(&opts.ConfigPath, "config", filepath.Join(config.Dir(), "config.ini"), "Configuration file")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")

	if err := fs.Parse(normalizeArgs(args)); err != nil {
		return nil, err
	}

	set := fs.visited()
	o := &opts.Overrides
	if set["sip-address"] {
		o.SIPAddress = &sipAddress
	}
	if set["password"] {
		o.Password = &password
	}
	if set["display-name"] {
		o.DisplayName = &displayName
	}
	if set["outbound-proxy"] {
		o.OutboundProxy = &proxy
	}
	if set["trace-sip"] {
		o.TraceSIP = &traceSIP
	}
	if set["trace-engine"] {
		o.TraceEngine = &traceEngine
	}
	if set["disable-sound"] {
		o.DisableSound = &disableSound
	}
	if set["ec-tail-length"] {
		o.ECTail = &ecTail
	}
	if set["sample-rate"] {
		o.SampleRate = &sampleRate
	}
	if set["codecs"] {
		o.Codecs = strings.Split(codecs, ",")
	}
	if set["metrics-addr"] {
		o.MetricsAddr = &metricsAddr
	}
	if set["auto-hangup"] {
		secs, err := strconv.Atoi(autoHangup)
		if err != nil || secs < 0 {
			secs = 0
		}
		d := time.Duration(secs) * time.Second
		opts.AutoHangup = &d
	}

	switch fs.NArg() {
	case 0:
	case 1:
		opts.Target = fs.Arg(0)
	default:
		return nil, fmt.Errorf("only one target may be given, got %d", fs.NArg())
	}
	return opts, nil
}

// normalizeArgs turns optional value of --auto-hangup into flag form.
// Value is taken only when it is an integer, otherwise it stays positional.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a != "--auto-hangup" && a != "-auto-hangup" {
			out = append(out, a)
			continue
		}
		if i+1 < len(args) {
			if _, err := strconv.Atoi(args[i+1]); err == nil {
				out = append(out, "--auto-hangup="+args[i+1])
				i++
				continue
			}
		}
		out = append(out, "--auto-hangup=0")
	}
	return out
}

// flagSet registers short and long name for same option
type flagSet struct {
	*flag.FlagSet
	long map[string]string
}

func (fs flagSet) stringVar(p *string, short, long, help string) {
	fs.StringVar(p, short, "", help)
	fs.StringVar(p, long, "", help)
	fs.long[short] = long
}

func (fs flagSet) intVar(p *int, short, long, help string) {
	fs.IntVar(p, short, 0, help)
	fs.IntVar(p, long, 0, help)
	fs.long[short] = long
}

func (fs flagSet) boolVar(p *bool, short, long, help string) {
	fs.BoolVar(p, short, false, help)
	fs.BoolVar(p, long, false, help)
	fs.long[short] = long
}

// visited returns long names of all options given on command line
func (fs flagSet) visited() map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		name := f.Name
		if l, ok := fs.long[name]; ok {
			name = l
		}
		set[name] = true
	})
	return set
}
