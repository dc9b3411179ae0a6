// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pipeline composes the pre-connect validation chain.
package pipeline

import (
	"context"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/stacklok/agentfetch/fetcherr"
	"github.com/stacklok/agentfetch/hostname"
	"github.com/stacklok/agentfetch/ipcheck"
	"github.com/stacklok/agentfetch/policy"
	"github.com/stacklok/agentfetch/resolver"
)

// DialTarget is the pinned outcome of a successful validation: the
// normalized hostname (lowercased, without a trailing dot, IDNA-encoded, or
// the canonical text of an IP literal), the port, and the non-empty set of
// addresses that passed classification. The connector checks the host it is
// asked to dial against Hostname and dials exactly these addresses and
// nothing else. TLS SNI and certificate verification use the host from the
// request URL, not this field.
type DialTarget struct {
	Hostname string
	Port     uint16
	Addrs    []netip.Addr
}

// Checker runs the validation pipeline for one policy. It is immutable and
// safe for concurrent use.
type Checker struct {
	pol  policy.FetchPolicy
	res  resolver.Resolver
	rule *policy.Rule
}

// New creates a Checker, compiling the policy's CEL rule if present.
func New(pol policy.FetchPolicy, res resolver.Resolver) (*Checker, error) {
	c := &Checker{pol: pol, res: res}
	if pol.Rule != "" {
		rule, err := policy.CompileRule(pol.Rule)
		if err != nil {
			return nil, err
		}
		c.rule = rule
	}
	return c, nil
}

// Check validates rawURL and method against the policy and, for DNS hosts,
// resolves and classifies every address. It returns the parsed URL and the
// pinned target. Validation is fail-closed: one unsafe address in the
// resolved set rejects the whole request.
func (c *Checker) Check(ctx context.Context, rawURL, method string) (*url.URL, *DialTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fetcherr.Wrap(err, fetcherr.KindHostMalformed, "")
	}

	if err := c.pol.CheckScheme(u.Scheme); err != nil {
		return nil, nil, err
	}
	if err := c.pol.CheckMethod(method); err != nil {
		return nil, nil, err
	}
	if u.User != nil {
		return nil, nil, fetcherr.New(fetcherr.KindHostMalformed, "URL with embedded credentials")
	}

	host, err := hostname.Normalize(u.Hostname())
	if err != nil {
		return nil, nil, fetcherr.Wrap(err, fetcherr.KindHostMalformed, "")
	}

	port, err := urlPort(u)
	if err != nil {
		return nil, nil, err
	}

	if c.rule != nil {
		ok, err := c.rule.Allow(policy.RuleInput{
			URL:    rawURL,
			Scheme: strings.ToLower(u.Scheme),
			Host:   host.String(),
			Port:   port,
			Method: method,
		})
		if err != nil {
			return nil, nil, fetcherr.Wrap(err, fetcherr.KindBlocklistHit, "policy rule")
		}
		if !ok {
			return nil, nil, fetcherr.New(fetcherr.KindBlocklistHit, "denied by policy rule")
		}
	}

	// An IP literal skips domain matching and DNS: it is classified
	// directly and pinned as the single dialable address.
	if host.IsIP() {
		if err := c.classify(host.Addr); err != nil {
			return nil, nil, err
		}
		return u, &DialTarget{
			Hostname: host.String(),
			Port:     port,
			Addrs:    []netip.Addr{host.Addr},
		}, nil
	}

	if err := c.pol.CheckDomain(host.Name); err != nil {
		return nil, nil, err
	}

	addrs, err := c.res.Resolve(ctx, host.Name)
	if err != nil {
		return nil, nil, fetcherr.Wrap(err, fetcherr.KindDNSFailure, "")
	}
	if len(addrs) == 0 {
		return nil, nil, fetcherr.Newf(fetcherr.KindDNSFailure, "no addresses for %q", host.Name)
	}
	for _, addr := range addrs {
		if err := c.classify(addr); err != nil {
			return nil, nil, err
		}
	}

	return u, &DialTarget{Hostname: host.Name, Port: port, Addrs: addrs}, nil
}

func (c *Checker) classify(addr netip.Addr) error {
	if !c.pol.DenyPrivateIPs {
		if !addr.IsValid() {
			return fetcherr.New(fetcherr.KindHostMalformed, "invalid address")
		}
		return nil
	}
	if d := ipcheck.Check(addr); !d.Safe {
		return fetcherr.Newf(fetcherr.KindPrivateIPBlocked, "%s (%s)", addr, d.Category)
	}
	return nil
}

func urlPort(u *url.URL) (uint16, error) {
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return 0, fetcherr.Newf(fetcherr.KindHostMalformed, "invalid port %q", p)
		}
		return uint16(n), nil
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return 443, nil
	default:
		return 80, nil
	}
}
