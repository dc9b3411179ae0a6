// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

/*
Package policy defines the FetchPolicy that governs every request a client
makes: allowed schemes and methods, domain allow/block lists, private IP
denial, redirect and size limits, timeouts, and admission control.

# Domain patterns

Domain lists use DomainPattern, which matches either exactly or by a leading
wildcard label:

	policy.DomainPattern("api.example.com")  // matches only api.example.com
	policy.DomainPattern("*.example.com")    // matches a.example.com, a.b.example.com
	                                         // but NOT example.com or aexample.com

Matching is case-insensitive and compares whole labels from the right, so a
wildcard can never bleed across a dot boundary.

# Policy files

Policies load from JSON or YAML documents validated against an embedded JSON
Schema. Fields a document omits keep the library defaults:

	pol, err := policy.FromFile("/etc/agentfetch/policy.yaml")

A minimal document:

	allowed_domains:
	  - "*.example.com"
	blocked_domains:
	  - "internal.example.com"
	rate_limit:
	  requests: 100
	  interval_ms: 60000

# Rules

The optional "rule" field holds a CEL expression evaluated against each
validated request with the variables url, scheme, host, port, and method.
A false result rejects the request; this is the place for port allowlists
and other constraints the declarative fields do not express:

	rule: 'port == 443 || port == 8443'
*/
package policy
