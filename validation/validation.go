// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package validation provides security-focused checks for request headers.
package validation

import (
	"fmt"
	"net/http"

	"golang.org/x/net/http/httpguts"
)

const (
	// maxHeaderNameLength caps header names to prevent DoS.
	maxHeaderNameLength = 256

	// maxHeaderValueLength caps header values (common HTTP server limit).
	maxHeaderValueLength = 8192
)

// HeaderName validates that a string is a valid HTTP header name per RFC 7230.
// It checks for CRLF injection, control characters, and ensures RFC token compliance.
func HeaderName(name string) error {
	if name == "" {
		return fmt.Errorf("header name cannot be empty")
	}

	if len(name) > maxHeaderNameLength {
		return fmt.Errorf("header name exceeds maximum length of %d bytes", maxHeaderNameLength)
	}

	// Use httpguts validation (same as Go's HTTP/2 implementation)
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("invalid HTTP header name: contains invalid characters")
	}

	return nil
}

// HeaderValue validates that a string is a valid HTTP header value per RFC 7230.
// It checks for CRLF injection and control characters. Empty values are
// allowed; HTTP permits them.
func HeaderValue(value string) error {
	if len(value) > maxHeaderValueLength {
		return fmt.Errorf("header value exceeds maximum length of %d bytes", maxHeaderValueLength)
	}

	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid HTTP header value: contains control characters")
	}

	return nil
}

// Headers validates every name and value in a header map. Untrusted callers
// supply these headers verbatim, so a single invalid entry rejects the set.
func Headers(h http.Header) error {
	for name, values := range h {
		if err := HeaderName(name); err != nil {
			return fmt.Errorf("header %q: %w", name, err)
		}
		for _, v := range values {
			if err := HeaderValue(v); err != nil {
				return fmt.Errorf("header %q: %w", name, err)
			}
		}
	}
	return nil
}
