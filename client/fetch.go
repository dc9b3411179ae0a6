// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/agentfetch/dialer"
	"github.com/stacklok/agentfetch/fetcherr"
	"github.com/stacklok/agentfetch/logger"
	"github.com/stacklok/agentfetch/pipeline"
	"github.com/stacklok/agentfetch/validation"
)

const defaultUserAgent = "agentfetch/1.0"

// Headers whose values must not follow a redirect to a different host.
var sensitiveHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization"}

// Fetch executes one request under the client's policy. Every hop of the
// redirect chain runs the full validation pipeline before any socket is
// opened for it. The returned error, if any, is a *fetcherr.Error.
//
// The fetch is cancellable through ctx; the policy's request timeout is
// layered on top. A fetch whose first hop is rejected during validation does
// not consume a rate-limit token; the token is taken once the first hop
// validates, so a rejection on a later redirect hop does not return it.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	if err := validation.Headers(req.Headers); err != nil {
		return nil, fetcherr.Wrap(err, fetcherr.KindHeaderInvalid, "")
	}
	if int64(len(req.Body)) > c.pol.MaxRequestBodyBytes {
		return nil, fetcherr.Newf(fetcherr.KindRequestBodyTooLarge,
			"%d bytes exceeds limit of %d", len(req.Body), c.pol.MaxRequestBodyBytes)
	}

	ctx, cancel := context.WithTimeout(ctx, c.pol.RequestTimeout)
	defer cancel()

	id := uuid.NewString()
	logger.Debugw("fetch started", "id", id, "url", req.URL, "method", method)

	headers := req.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("User-Agent") == "" {
		headers.Set("User-Agent", defaultUserAgent)
	}

	cur := req.URL
	body := req.Body
	release := func() {}
	defer func() { release() }()

	for hop := 0; ; hop++ {
		u, target, err := c.checker.Check(ctx, cur, method)
		if err != nil {
			if ctx.Err() != nil {
				err = fetcherr.New(fetcherr.KindTimeout, "validation")
			}
			logger.Debugw("fetch rejected", "id", id, "hop", hop, "error", err)
			return nil, err
		}

		// Admission is charged once per fetch, after the first hop
		// validates, so floods of obviously-blocked URLs do not drain
		// the caller's budget.
		if hop == 0 {
			rel, err := c.limiter.Acquire()
			if err != nil {
				return nil, err
			}
			release = rel
		}

		resp, err := c.do(ctx, u, target, method, headers, body)
		if err != nil {
			logger.Debugw("fetch failed", "id", id, "hop", hop, "error", err)
			return nil, err
		}

		if !isRedirect(resp.StatusCode) {
			out, err := c.readResponse(ctx, resp, u)
			if err != nil {
				logger.Debugw("fetch failed", "id", id, "hop", hop, "error", err)
				return nil, err
			}
			logger.Debugw("fetch done", "id", id, "hops", hop, "status", out.Status)
			return out, nil
		}

		next, err := redirectURL(u, resp)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if hop >= c.pol.MaxRedirects {
			return nil, fetcherr.Newf(fetcherr.KindTooManyRedirects, "limit %d", c.pol.MaxRedirects)
		}

		method, body = redirectMethod(resp.StatusCode, method, body)
		if !strings.EqualFold(next.Hostname(), u.Hostname()) {
			for _, h := range sensitiveHeaders {
				headers.Del(h)
			}
		}
		logger.Debugw("following redirect", "id", id, "hop", hop,
			"status", resp.StatusCode, "location", next.String())
		cur = next.String()
	}
}

// do executes one hop with the validated target pinned into the request
// context.
func (c *Client) do(ctx context.Context, u *url.URL, target *pipeline.DialTarget,
	method string, headers http.Header, body []byte) (*http.Response, error) {

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(dialer.WithTarget(ctx, target),
		method, u.String(), reader)
	if err != nil {
		return nil, fetcherr.Wrap(err, fetcherr.KindUpstreamError, "failed to build request")
	}
	httpReq.ContentLength = int64(len(body))
	for name, values := range headers {
		httpReq.Header[http.CanonicalHeaderKey(name)] = values
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	return resp, nil
}

func (c *Client) readResponse(ctx context.Context, resp *http.Response, u *url.URL) (*FetchResponse, error) {
	defer resp.Body.Close()

	if resp.ContentLength > c.pol.MaxResponseBytes {
		return nil, fetcherr.Newf(fetcherr.KindBodyTooLarge,
			"declared %d bytes exceeds limit of %d", resp.ContentLength, c.pol.MaxResponseBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.pol.MaxResponseBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fetcherr.New(fetcherr.KindTimeout, "reading body")
		}
		return nil, fetcherr.Wrap(err, fetcherr.KindUpstreamError, "reading body")
	}
	if int64(len(data)) > c.pol.MaxResponseBytes {
		// No partial body: a truncated result is an error, never data.
		return nil, fetcherr.Newf(fetcherr.KindBodyTooLarge,
			"exceeds limit of %d", c.pol.MaxResponseBytes)
	}

	return &FetchResponse{
		Status:   resp.StatusCode,
		Headers:  resp.Header,
		Body:     data,
		FinalURL: u.String(),
	}, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redirectURL resolves the Location header against the current URL.
func redirectURL(u *url.URL, resp *http.Response) (*url.URL, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, fetcherr.New(fetcherr.KindUpstreamError, "redirect without Location header")
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return nil, fetcherr.Wrap(err, fetcherr.KindUpstreamError, "malformed Location header")
	}
	return u.ResolveReference(ref), nil
}

// redirectMethod applies the method rewrite for a redirect status: 303
// always becomes GET, 301 and 302 rewrite everything but GET and HEAD to
// GET (matching net/http and curl), 307 and 308 preserve method and body.
func redirectMethod(status int, method string, body []byte) (string, []byte) {
	switch status {
	case http.StatusSeeOther:
		return http.MethodGet, nil
	case http.StatusMovedPermanently, http.StatusFound:
		if method != http.MethodGet && method != http.MethodHead {
			return http.MethodGet, nil
		}
	}
	return method, body
}

// classifyTransportError maps an engine error onto the rejection surface.
// Errors minted by the pinned connector already carry their kind and pass
// through unchanged.
func classifyTransportError(ctx context.Context, err error) error {
	var fe *fetcherr.Error
	if errors.As(err, &fe) {
		return fe
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fetcherr.New(fetcherr.KindTimeout, "")
	}
	return fetcherr.Wrap(err, fetcherr.KindUpstreamError, "")
}
