// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package dialer pins the HTTP engine's socket connects to validated addresses.
package dialer

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/stacklok/agentfetch/fetcherr"
	"github.com/stacklok/agentfetch/hostname"
	"github.com/stacklok/agentfetch/logger"
	"github.com/stacklok/agentfetch/pipeline"
)

type targetKey struct{}

// WithTarget returns a context carrying the pinned target for one request.
func WithTarget(ctx context.Context, target *pipeline.DialTarget) context.Context {
	return context.WithValue(ctx, targetKey{}, target)
}

// TargetFromContext extracts the pinned target, if any.
func TargetFromContext(ctx context.Context) (*pipeline.DialTarget, bool) {
	target, ok := ctx.Value(targetKey{}).(*pipeline.DialTarget)
	return target, ok
}

// Pinned is the connector hook installed into the HTTP transport. It never
// performs name resolution: the addresses to dial travel in the request
// context, and a request without them fails closed.
type Pinned struct {
	// ConnectTimeout bounds the dial phase, all address attempts combined.
	ConnectTimeout time.Duration
}

// DialContext dials the pinned addresses for the requested host in order
// until one connects. The requested host must match the pinned hostname; a
// mismatch or an unpinned request is refused rather than resolved.
func (p *Pinned) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fetcherr.Newf(fetcherr.KindUpstreamError, "unsupported network %q", network)
	}

	target, ok := TargetFromContext(ctx)
	if !ok {
		return nil, fetcherr.New(fetcherr.KindDNSFailure, "connection not pinned")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fetcherr.Wrap(err, fetcherr.KindUpstreamError, "invalid dial address")
	}
	if !p.matchesTarget(target, host, port) {
		return nil, fetcherr.Newf(fetcherr.KindDNSFailure, "no pinned addresses for %q", host)
	}

	if p.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.ConnectTimeout)
		defer cancel()
	}

	var lastErr error
	for _, ip := range target.Addrs {
		conn, err := (&net.Dialer{}).DialContext(ctx, network,
			netip.AddrPortFrom(ip.Unmap(), target.Port).String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fetcherr.New(fetcherr.KindTimeout, "connect")
		}
	}
	// The per-address errors name raw IPs, so they go to the debug log
	// only; the returned message is safe to surface across a trust
	// boundary.
	logger.Debugw("pinned dial failed", "host", target.Hostname,
		"attempts", len(target.Addrs), "error", lastErr)
	return nil, fetcherr.Newf(fetcherr.KindUpstreamError,
		"all %d pinned addresses failed for %q", len(target.Addrs), target.Hostname)
}

// matchesTarget verifies the engine is dialing the host and port the
// pipeline validated. The engine hands back the host from the request URL,
// which may differ from the canonical form in case or by a trailing dot.
func (*Pinned) matchesTarget(target *pipeline.DialTarget, host, port string) bool {
	n, err := hostname.Normalize(host)
	if err != nil || n.String() != target.Hostname {
		return false
	}
	p, err := strconv.ParseUint(port, 10, 16)
	return err == nil && uint16(p) == target.Port
}

// Transport builds the HTTP transport wired to the pinned connector.
// Keep-alives are disabled so a pooled connection can never outlive the
// validation that admitted it.
func (p *Pinned) Transport() *http.Transport {
	return &http.Transport{
		Proxy:               nil,
		DialContext:         p.DialContext,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}
