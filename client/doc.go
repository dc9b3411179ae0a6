// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

/*
Package client provides a sandboxed HTTP client for executing outbound
requests on behalf of untrusted callers, typically AI agents, without
exposing the host's private network, loopback endpoints, or cloud metadata
services.

# Security model

Every request, and every hop of its redirect chain, passes a validation
pipeline before any socket is opened:

 1. URL parsing and scheme/method checks against the policy.
 2. Host normalization, recognizing numeric IPs in every encoding
    inet_aton accepts (hex, octal, packed integers) so they cannot pose as
    domain names.
 3. Domain allowlist/blocklist matching and the optional policy rule.
 4. Resolution through the library-owned DNS resolver and classification of
    every returned address; one unsafe address rejects the request.

The validated address set is then pinned: the HTTP engine's connector reads
it from the request context and dials those addresses directly, performing
no resolution of its own. This closes the window between the address that
was checked and the address that is dialed, which DNS rebinding attacks
depend on. Connection keep-alive is disabled so a pooled socket can never
outlive the validation that admitted it.

# Usage

	c, err := client.New(policy.Default())
	if err != nil {
		return err
	}
	resp, err := c.Fetch(ctx, client.FetchRequest{URL: "https://example.com/"})
	if fetcherr.IsKind(err, fetcherr.KindPrivateIPBlocked) {
		// destination was unsafe
	}

A Client is immutable and safe for concurrent use. Rejections are typed
(*fetcherr.Error); the client never retries — retry policy belongs to the
caller, where it cannot interact with a freshly poisoned DNS answer.
*/
package client
