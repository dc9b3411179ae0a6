// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package policy defines the fetch policy and its domain matching rules.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/agentfetch/fetcherr"
)

// Defaults applied by Default and by FromFile for absent fields.
const (
	DefaultMaxRedirects        = 10
	DefaultConnectTimeout      = 10 * time.Second
	DefaultRequestTimeout      = 30 * time.Second
	DefaultDNSTimeout          = 5 * time.Second
	DefaultMaxResponseBytes    = 10 * 1024 * 1024
	DefaultMaxRequestBodyBytes = 10 * 1024 * 1024
)

// RateLimit configures token-bucket admission control. Requests tokens are
// replenished evenly over Interval; Burst is the bucket capacity and defaults
// to Requests when zero.
type RateLimit struct {
	Requests int
	Interval time.Duration
	Burst    int
}

// FetchPolicy controls everything the client is allowed to do. It is
// immutable once handed to a Client; concurrent fetches share it freely.
type FetchPolicy struct {
	// AllowedSchemes lists acceptable URL schemes. Default: http, https.
	AllowedSchemes []string

	// AllowedMethods lists acceptable HTTP methods.
	// Default: GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS.
	AllowedMethods []string

	// AllowedDomains restricts fetches to matching domains when non-nil.
	// A nil slice allows all domains; an empty non-nil slice allows none.
	AllowedDomains []DomainPattern

	// BlockedDomains rejects matching domains. Checked in addition to
	// AllowedDomains; a host matching both is rejected.
	BlockedDomains []DomainPattern

	// DenyPrivateIPs rejects hosts that are, or resolve to, private,
	// loopback, link-local, or otherwise unsafe addresses. Default true.
	DenyPrivateIPs bool

	// Rule is an optional CEL expression evaluated against each validated
	// URL (variables: url, scheme, host, port, method). A false result
	// rejects the request.
	Rule string

	// MaxRedirects bounds the redirect chain. Zero means no redirects are
	// followed.
	MaxRedirects int

	// ConnectTimeout bounds the dial phase of one hop, across every pinned
	// address attempt combined.
	ConnectTimeout time.Duration

	// RequestTimeout bounds the whole fetch, redirects included.
	RequestTimeout time.Duration

	// DNSTimeout bounds one name resolution.
	DNSTimeout time.Duration

	// DNSCacheTTL enables the resolver's positive cache when non-zero.
	// Cached entries are the exact address set handed to the dialer.
	DNSCacheTTL time.Duration

	// MaxResponseBytes caps the response body size.
	MaxResponseBytes int64

	// MaxRequestBodyBytes caps the request body size.
	MaxRequestBodyBytes int64

	// MaxConcurrentFetches caps in-flight fetches per client. Zero means
	// unlimited.
	MaxConcurrentFetches int64

	// RateLimit enables admission control when non-nil.
	RateLimit *RateLimit
}

// Default returns the policy the library applies when the caller leaves a
// field unset: http/https only, all public domains allowed, private IPs
// denied, ten redirects, 10s connect / 30s request timeouts, 10 MiB body
// caps, and no rate limit.
func Default() FetchPolicy {
	return FetchPolicy{
		AllowedSchemes:      []string{"http", "https"},
		AllowedMethods:      []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		DenyPrivateIPs:      true,
		MaxRedirects:        DefaultMaxRedirects,
		ConnectTimeout:      DefaultConnectTimeout,
		RequestTimeout:      DefaultRequestTimeout,
		DNSTimeout:          DefaultDNSTimeout,
		MaxResponseBytes:    DefaultMaxResponseBytes,
		MaxRequestBodyBytes: DefaultMaxRequestBodyBytes,
	}
}

// Validate checks the policy for internal consistency. It is called by the
// client constructor; callers building policies by hand may call it earlier
// for better error locality.
func (p *FetchPolicy) Validate() error {
	if len(p.AllowedSchemes) == 0 {
		return fmt.Errorf("policy allows no schemes")
	}
	if len(p.AllowedMethods) == 0 {
		return fmt.Errorf("policy allows no methods")
	}
	for _, pat := range p.AllowedDomains {
		if err := pat.Validate(); err != nil {
			return fmt.Errorf("allowed domain: %w", err)
		}
	}
	for _, pat := range p.BlockedDomains {
		if err := pat.Validate(); err != nil {
			return fmt.Errorf("blocked domain: %w", err)
		}
	}
	if p.MaxRedirects < 0 {
		return fmt.Errorf("max redirects must not be negative")
	}
	if p.ConnectTimeout <= 0 || p.RequestTimeout <= 0 {
		return fmt.Errorf("connect and request timeouts must be positive")
	}
	if p.MaxResponseBytes <= 0 {
		return fmt.Errorf("max response bytes must be positive")
	}
	if p.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("max request body bytes must be positive")
	}
	if p.RateLimit != nil {
		if p.RateLimit.Requests <= 0 || p.RateLimit.Interval <= 0 {
			return fmt.Errorf("rate limit requires positive requests and interval")
		}
	}
	if p.Rule != "" {
		if err := CheckRule(p.Rule); err != nil {
			return err
		}
	}
	return nil
}

// CheckScheme verifies the URL scheme against the allowed set.
func (p *FetchPolicy) CheckScheme(scheme string) error {
	for _, s := range p.AllowedSchemes {
		if strings.EqualFold(s, scheme) {
			return nil
		}
	}
	return fetcherr.Newf(fetcherr.KindSchemeDisallowed, "%q", scheme)
}

// CheckMethod verifies the HTTP method against the allowed set.
func (p *FetchPolicy) CheckMethod(method string) error {
	for _, m := range p.AllowedMethods {
		if strings.EqualFold(m, method) {
			return nil
		}
	}
	return fetcherr.Newf(fetcherr.KindMethodDisallowed, "%q", method)
}

// CheckDomain verifies a normalized hostname against the allowlist and
// blocklist. The allowlist is consulted first, so a host matching neither
// list reports the allowlist miss.
func (p *FetchPolicy) CheckDomain(host string) error {
	if p.AllowedDomains != nil && !anyMatch(p.AllowedDomains, host) {
		return fetcherr.Newf(fetcherr.KindAllowlistMiss, "%q", host)
	}
	if anyMatch(p.BlockedDomains, host) {
		return fetcherr.Newf(fetcherr.KindBlocklistHit, "%q", host)
	}
	return nil
}

func anyMatch(patterns []DomainPattern, host string) bool {
	for _, pat := range patterns {
		if pat.Matches(host) {
			return true
		}
	}
	return false
}
