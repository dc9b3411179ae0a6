// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package fetcherr provides the typed error surface for fetch rejections.
package fetcherr

import (
	"errors"
	"fmt"
)

// Kind identifies why a fetch was rejected or failed.
type Kind int

const (
	// KindUnknown is the zero value; it is never produced by the library.
	KindUnknown Kind = iota

	// KindSchemeDisallowed indicates the URL scheme is not in the policy's allowed set.
	KindSchemeDisallowed

	// KindHostMalformed indicates the URL or its host component could not be
	// parsed or normalized.
	KindHostMalformed

	// KindMethodDisallowed indicates the HTTP method is not in the policy's allowed set.
	KindMethodDisallowed

	// KindHeaderInvalid indicates a request header name or value failed RFC 7230 validation.
	KindHeaderInvalid

	// KindAllowlistMiss indicates a domain allowlist is configured and no pattern matched.
	KindAllowlistMiss

	// KindBlocklistHit indicates a domain blocklist pattern (or policy rule) matched.
	KindBlocklistHit

	// KindPrivateIPBlocked indicates the host is, or resolved to, a private,
	// loopback, link-local, or otherwise unsafe IP address.
	KindPrivateIPBlocked

	// KindDNSFailure indicates name resolution failed or returned no records,
	// or a connection was attempted without a pinned address set.
	KindDNSFailure

	// KindTooManyRedirects indicates the redirect chain exceeded the policy limit.
	KindTooManyRedirects

	// KindTimeout indicates the connect or overall request deadline expired.
	KindTimeout

	// KindBodyTooLarge indicates the response body exceeded the policy limit.
	KindBodyTooLarge

	// KindRequestBodyTooLarge indicates the request body exceeded the policy limit.
	KindRequestBodyTooLarge

	// KindRateLimited indicates the client's admission control rejected the fetch.
	KindRateLimited

	// KindUpstreamError indicates a post-validation failure at the remote end
	// (TCP reset, TLS failure, protocol error).
	KindUpstreamError
)

// Tag returns the stable, human-readable tag for the kind. Tags are part of
// the public error contract: callers and language bindings pattern-match on
// them, so they must never change.
func (k Kind) Tag() string {
	switch k {
	case KindSchemeDisallowed:
		return "disallowed scheme"
	case KindHostMalformed:
		return "malformed host"
	case KindMethodDisallowed:
		return "method not allowed"
	case KindHeaderInvalid:
		return "invalid header"
	case KindAllowlistMiss:
		return "not in allowlist"
	case KindBlocklistHit:
		return "blocked by blocklist"
	case KindPrivateIPBlocked:
		return "private IP blocked"
	case KindDNSFailure:
		return "DNS failure"
	case KindTooManyRedirects:
		return "too many redirects"
	case KindTimeout:
		return "request timeout"
	case KindBodyTooLarge:
		return "body too large"
	case KindRequestBodyTooLarge:
		return "request body too large"
	case KindRateLimited:
		return "rate limited"
	case KindUpstreamError:
		return "upstream error"
	default:
		return "unknown error"
	}
}

// Error is a fetch rejection or failure carrying its Kind.
// The rendered message always starts with the kind's stable tag.
type Error struct {
	kind   Kind
	detail string
	err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.detail != "" && e.err != nil:
		return fmt.Sprintf("%s: %s: %s", e.kind.Tag(), e.detail, e.err)
	case e.detail != "":
		return fmt.Sprintf("%s: %s", e.kind.Tag(), e.detail)
	case e.err != nil:
		return fmt.Sprintf("%s: %s", e.kind.Tag(), e.err)
	default:
		return e.kind.Tag()
	}
}

// Unwrap returns the underlying error for errors.Is() and errors.As() compatibility.
func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the rejection kind.
func (e *Error) Kind() Kind {
	return e.kind
}

// New creates an Error of the given kind with an optional detail message.
func New(kind Kind, detail string) error {
	return &Error{kind: kind, detail: detail}
}

// Newf creates an Error of the given kind with a formatted detail message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, detail: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a kind and an optional detail message.
// If err is nil, Wrap returns nil.
func Wrap(err error, kind Kind, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, detail: detail, err: err}
}

// KindOf extracts the Kind from an error chain.
// It returns KindUnknown when no *Error is present.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

// IsKind reports whether the error chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
