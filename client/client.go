// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client provides the sandboxed HTTP client.
package client

import (
	"net/http"

	"github.com/stacklok/agentfetch/dialer"
	"github.com/stacklok/agentfetch/pipeline"
	"github.com/stacklok/agentfetch/policy"
	"github.com/stacklok/agentfetch/ratelimit"
	"github.com/stacklok/agentfetch/resolver"
)

// FetchRequest describes one request to execute. Header names are treated
// case-insensitively; the body is sent verbatim.
type FetchRequest struct {
	URL     string
	Method  string // default GET
	Headers http.Header
	Body    []byte
}

// FetchResponse is the result of a successful fetch. Headers preserve
// duplicate values in order; FinalURL is the URL after redirects.
type FetchResponse struct {
	Status   int
	Headers  http.Header
	Body     []byte
	FinalURL string
}

// Client executes fetches under a fixed policy. It is immutable after New
// and safe for concurrent use; create one per trust domain and share it.
type Client struct {
	pol        policy.FetchPolicy
	checker    *pipeline.Checker
	limiter    *ratelimit.Limiter
	httpClient *http.Client
}

type options struct {
	res resolver.Resolver
}

// Option customizes client construction.
type Option func(*options)

// WithResolver replaces the default DNS resolver. Tests inject mocks here;
// embedding applications can share one resolver across clients.
func WithResolver(r resolver.Resolver) Option {
	return func(o *options) {
		o.res = r
	}
}

// New creates a Client for the given policy. The policy is validated, the
// policy rule (if any) compiled, and the HTTP engine configured with the
// pinned connector. Redirects are handled by the fetch loop, never by the
// engine, so every hop re-enters validation.
func New(pol policy.FetchPolicy, opts ...Option) (*Client, error) {
	if err := pol.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res := o.res
	if res == nil {
		var err error
		res, err = resolver.New(resolver.Config{
			Timeout:  pol.DNSTimeout,
			CacheTTL: pol.DNSCacheTTL,
		})
		if err != nil {
			return nil, err
		}
	}

	checker, err := pipeline.New(pol, res)
	if err != nil {
		return nil, err
	}

	pinned := &dialer.Pinned{ConnectTimeout: pol.ConnectTimeout}
	return &Client{
		pol:     pol,
		checker: checker,
		limiter: ratelimit.New(pol.RateLimit, pol.MaxConcurrentFetches),
		httpClient: &http.Client{
			Transport: pinned.Transport(),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}
