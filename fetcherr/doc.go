// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

/*
Package fetcherr provides typed errors for the agentfetch rejection surface.

Every rejection the library produces is an *Error carrying a Kind. The kinds
split into two families:

  - Policy rejections decided before any socket is opened (disallowed scheme,
    malformed host, allowlist miss, blocklist hit, private IP blocked, DNS
    failure, rate limited). These are deterministic and safe to report
    verbatim.
  - Post-validation failures (timeout, body too large, upstream error). A
    failed pinned dial reports only the hostname and attempt count; other
    transport and body-read errors are wrapped as the HTTP engine returns
    them, so their messages can include socket addresses.

Callers match on kinds rather than message text:

	resp, err := c.Fetch(ctx, req)
	if fetcherr.IsKind(err, fetcherr.KindPrivateIPBlocked) {
		// the destination was unsafe
	}

Each Kind renders a stable tag (e.g. "private IP blocked") as the message
prefix; language bindings that flatten errors to strings preserve the tag so
their callers can still pattern-match.
*/
package fetcherr
