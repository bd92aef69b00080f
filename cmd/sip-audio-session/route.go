// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/audiosession/config"
	"github.com/emiago/audiosession/session"
	"github.com/emiago/sipgo/sip"
)

var errNoRoute = errors.New("no route found to SIP proxy")

// srvLookup is replaced in tests
var srvLookup = func(service, proto, name string) (string, []*net.SRV, error) {
	return net.LookupSRV(service, proto, name)
}

// engineTransports lists transports the engine can listen on, in preference order
func engineTransports(c *config.Config) []string {
	var out []string
	for _, t := range c.General.SIPTransports {
		t = strings.ToLower(t)
		if t == "udp" || t == "tcp" {
			out = append(out, t)
		}
	}
	return out
}

// resolveRoute picks first route to outbound proxy or account domain.
// Proxy form is [sip:]host[:port][;transport=udp|tcp].
func resolveRoute(c *config.Config) (session.Route, error) {
	transports := engineTransports(c)
	if len(transports) == 0 {
		return session.Route{}, fmt.Errorf("%w: none of %v is supported", errNoRoute, c.General.SIPTransports)
	}

	if proxy := c.Account.OutboundProxy; proxy != "" {
		return parseProxy(proxy, transports)
	}

	for _, t := range transports {
		_, addrs, err := srvLookup("sip", t, c.Domain)
		if err != nil || len(addrs) == 0 {
			continue
		}
		return session.Route{
			Transport: t,
			Host:      strings.TrimSuffix(addrs[0].Target, "."),
			Port:      int(addrs[0].Port),
		}, nil
	}
	return session.Route{Transport: transports[0], Host: c.Domain, Port: 5060}, nil
}

// lookupSTUN returns host:port of _stun._udp SRV records of domain
func lookupSTUN(domain string) []string {
	if domain == "" {
		return nil
	}
	_, addrs, err := srvLookup("stun", "udp", domain)
	if err != nil {
		return nil
	}
	servers := make([]string, 0, len(addrs))
	for _, a := range addrs {
		servers = append(servers, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
	}
	return servers
}

// iceSTUNServer picks server RTP transport waits on before signaling.
// Account stun_servers win over discovered ones. Empty when use_stun_for_ice is off.
func iceSTUNServer(c *config.Config, discovered []string) string {
	if !c.Account.UseSTUNForICE {
		return ""
	}
	servers := c.Account.STUNServers
	if len(servers) == 0 {
		servers = discovered
	}
	if len(servers) == 0 {
		return ""
	}
	srv := servers[rand.IntN(len(servers))]
	if _, _, err := net.SplitHostPort(srv); err != nil {
		srv = net.JoinHostPort(srv, "3478")
	}
	return srv
}

func parseProxy(proxy string, transports []string) (session.Route, error) {
	r := session.Route{Transport: transports[0], Port: 5060}
	s := strings.TrimPrefix(proxy, "sip:")
	s, params, _ := strings.Cut(s, ";")
	for _, p := range strings.Split(params, ";") {
		if k, v, ok := strings.Cut(p, "="); ok && strings.EqualFold(k, "transport") {
			v = strings.ToLower(v)
			if v != "udp" && v != "tcp" {
				return r, fmt.Errorf("unsupported transport %q in outbound proxy %s", v, proxy)
			}
			r.Transport = v
		}
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	} else {
		r.Port, err = strconv.Atoi(port)
		if err != nil || r.Port <= 0 || r.Port > 65535 {
			return r, fmt.Errorf("invalid port in outbound proxy %s", proxy)
		}
	}
	if host == "" {
		return r, fmt.Errorf("invalid outbound proxy %s", proxy)
	}
	r.Host = host
	return r, nil
}

// parseTarget completes target with default domain when only user is given
func parseTarget(target string, domain string) (sip.Uri, error) {
	var uri sip.Uri
	s := strings.TrimPrefix(target, "sip:")
	if !strings.Contains(s, "@") {
		if domain == "" {
			return uri, fmt.Errorf("target %q needs a domain", target)
		}
		s += "@" + domain
	}
	if err := sip.ParseUri("sip:"+s, &uri); err != nil {
		return uri, fmt.Errorf("invalid target %q: %w", target, err)
	}
	return uri, nil
}
