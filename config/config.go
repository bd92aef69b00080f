// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package config loads client settings from config.ini
//
// Layout follows sections General, Audio, Account and Account_<NAME>.
// Values given on command line override values from file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ini "gopkg.in/ini.v1"
)

// DirectAccount selects direct mode without any account section
const DirectAccount = "bonjour"

var (
	ErrNoAccount      = errors.New("no account section")
	ErrCredentials    = errors.New("no complete set of SIP credentials specified in config file and on commandline")
	ErrInvalidAddress = errors.New("invalid value for sip_address")
)

type General struct {
	LocalIP            string
	SIPLocalUDPPort    int
	SIPLocalTCPPort    int
	SIPTransports      []string
	TraceSIP           bool
	TraceEngine        bool
	HistoryDirectory   string
	LogDirectory       string
	ResourcesDirectory string
	MetricsAddr        string
}

type Audio struct {
	// SampleRate in kHz
	SampleRate int
	// EchoCancellationTailLength in ms, 0 disables
	EchoCancellationTailLength int
	CodecList                  []string
	DisableSound               bool
}

type Account struct {
	SIPAddress    string
	Password      string
	DisplayName   string
	OutboundProxy string
	STUNServers   []string
	// UseICE is accepted for compatibility. Media is plain RTP
	UseICE bool
	// UseSTUNForICE makes RTP wait for STUN mapping before session starts
	UseSTUNForICE bool
}

type Config struct {
	General General
	Audio   Audio
	Account Account

	// AccountName is requested account. Empty selects section Account
	AccountName string
	// Accounts lists available account names, default for section Account
	Accounts   []string
	DirectMode bool

	// Username and Domain are parsed from SIPAddress by Validate
	Username string
	Domain   string
}

// Dir is directory holding config.ini and default history/log directories
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sipclient"
	}
	return filepath.Join(home, ".sipclient")
}

func Default() *Config {
	dir := Dir()
	return &Config{
		General: General{
			SIPTransports:      []string{"tls", "tcp", "udp"},
			HistoryDirectory:   filepath.Join(dir, "history"),
			LogDirectory:       filepath.Join(dir, "log"),
			ResourcesDirectory: filepath.Join(dir, "resources"),
		},
		Audio: Audio{
			SampleRate:                 32,
			EchoCancellationTailLength: 50,
			CodecList:                  []string{"speex", "g711", "ilbc", "gsm", "g722"},
		},
	}
}

// Load reads file at path. Missing file behaves as empty one.
func Load(path string, accountName string) (*Config, error) {
	cfg, err := ini.LooseLoad(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(cfg, accountName)
}

// Parse reads settings of selected account from parsed file
func Parse(cfg *ini.File, accountName string) (*Config, error) {
	c := Default()
	c.AccountName = accountName
	c.DirectMode = accountName == DirectAccount
	c.Accounts = accountNames(cfg)

	sec := cfg.Section("General")
	c.General.LocalIP = sec.Key("local_ip").String()
	c.General.SIPLocalUDPPort = sec.Key("sip_local_udp_port").MustInt(0)
	c.General.SIPLocalTCPPort = sec.Key("sip_local_tcp_port").MustInt(0)
	if sec.HasKey("sip_transports") {
		c.General.SIPTransports = stringList(sec.Key("sip_transports").String())
	}
	c.General.TraceSIP = sec.Key("trace_sip").MustBool(false)
	c.General.TraceEngine = sec.Key("trace_engine").MustBool(false)
	c.General.HistoryDirectory = ExpandHome(sec.Key("history_directory").MustString(c.General.HistoryDirectory))
	c.General.LogDirectory = ExpandHome(sec.Key("log_directory").MustString(c.General.LogDirectory))
	c.General.ResourcesDirectory = ExpandHome(sec.Key("resources_directory").MustString(c.General.ResourcesDirectory))
	c.General.MetricsAddr = sec.Key("metrics_address").String()

	sec = cfg.Section("Audio")
	c.Audio.SampleRate = sec.Key("sample_rate").MustInt(c.Audio.SampleRate)
	c.Audio.EchoCancellationTailLength = sec.Key("echo_cancellation_tail_length").MustInt(c.Audio.EchoCancellationTailLength)
	if sec.HasKey("codec_list") {
		c.Audio.CodecList = stringList(sec.Key("codec_list").String())
	}
	c.Audio.DisableSound = sec.Key("disable_sound").MustBool(false)

	if c.DirectMode {
		return c, nil
	}

	name := SectionName(accountName)
	sec, err := cfg.GetSection(name)
	if err != nil {
		return nil, fmt.Errorf("there is no account section named '%s' in the configuration file: %w", name, ErrNoAccount)
	}
	c.Account.SIPAddress = sec.Key("sip_address").String()
	c.Account.Password = sec.Key("password").String()
	c.Account.DisplayName = sec.Key("display_name").String()
	c.Account.OutboundProxy = sec.Key("outbound_proxy").String()
	c.Account.STUNServers = stringList(sec.Key("stun_servers").String())
	c.Account.UseICE = sec.Key("use_ice").MustBool(false)
	c.Account.UseSTUNForICE = sec.Key("use_stun_for_ice").MustBool(false)
	return c, nil
}

// SectionName maps account name to its ini section
func SectionName(accountName string) string {
	if accountName == "" {
		return "Account"
	}
	return "Account_" + accountName
}

func accountNames(cfg *ini.File) []string {
	var names []string
	for _, s := range cfg.SectionStrings() {
		switch {
		case s == "Account":
			names = append(names, "default")
		case strings.HasPrefix(s, "Account_"):
			names = append(names, fmt.Sprintf("'%s'", strings.TrimPrefix(s, "Account_")))
		}
	}
	sort.Strings(names)
	return names
}

// Overrides are command line values. Nil fields keep file values.
type Overrides struct {
	SIPAddress    *string
	Password      *string
	DisplayName   *string
	OutboundProxy *string
	TraceSIP      *bool
	TraceEngine   *bool
	DisableSound  *bool
	ECTail        *int
	SampleRate    *int
	Codecs        []string
	MetricsAddr   *string
}

func (c *Config) Apply(o Overrides) {
	setString(&c.Account.SIPAddress, o.SIPAddress)
	setString(&c.Account.Password, o.Password)
	setString(&c.Account.DisplayName, o.DisplayName)
	setString(&c.Account.OutboundProxy, o.OutboundProxy)
	setString(&c.General.MetricsAddr, o.MetricsAddr)
	if o.TraceSIP != nil {
		c.General.TraceSIP = *o.TraceSIP
	}
	if o.TraceEngine != nil {
		c.General.TraceEngine = *o.TraceEngine
	}
	if o.DisableSound != nil {
		c.Audio.DisableSound = *o.DisableSound
	}
	if o.ECTail != nil {
		c.Audio.EchoCancellationTailLength = *o.ECTail
	}
	if o.SampleRate != nil {
		c.Audio.SampleRate = *o.SampleRate
	}
	if len(o.Codecs) > 0 {
		c.Audio.CodecList = o.Codecs
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks credentials and splits sip address into user and domain
func (c *Config) Validate() error {
	switch c.Audio.SampleRate {
	case 8, 16, 32:
	default:
		return fmt.Errorf("sample rate %d kHz is not one of 8, 16 or 32", c.Audio.SampleRate)
	}
	if c.Audio.EchoCancellationTailLength < 0 || c.Audio.EchoCancellationTailLength > 500 {
		return fmt.Errorf("echo cancellation tail %d ms out of range", c.Audio.EchoCancellationTailLength)
	}

	if c.DirectMode {
		c.Username, c.Domain = "", ""
		return nil
	}
	if c.Account.SIPAddress == "" || c.Account.Password == "" {
		return ErrCredentials
	}

	addr := strings.TrimPrefix(c.Account.SIPAddress, "sip:")
	user, domain, ok := strings.Cut(addr, "@")
	if !ok || user == "" || domain == "" || strings.Contains(domain, "@") {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, c.Account.SIPAddress)
	}
	c.Username, c.Domain = user, domain
	return nil
}

// HasTransport reports whether transport is enabled in sip_transports
func (c *Config) HasTransport(t string) bool {
	for _, v := range c.General.SIPTransports {
		if strings.EqualFold(v, t) {
			return true
		}
	}
	return false
}

// AccountDir is per account directory under base. Direct mode uses DirectAccount
func (c *Config) AccountDir(base string) string {
	if c.DirectMode {
		return filepath.Join(base, DirectAccount)
	}
	return filepath.Join(base, c.Username+"@"+c.Domain)
}

// ExpandHome replaces leading ~ with user home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func stringList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
