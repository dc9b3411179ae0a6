// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

/*
Package resolver provides the library-owned DNS resolver used to validate
fetch destinations.

The resolver issues its own A and AAAA queries (via github.com/miekg/dns)
against the servers from resolv.conf or an explicit list, rather than
delegating to the platform's getaddrinfo. Owning the lookup matters for the
security model: the address set returned here is exactly the set that gets
classified and then pinned for dialing, leaving no second resolution an
attacker-controlled nameserver could answer differently.

Both record types are queried concurrently and their union returned. An
empty union is an error — a name with no addresses must fail validation, not
fall through to some engine default.

An optional positive cache (Config.CacheTTL) stores results for the smaller
of the configured TTL and the record TTL. Cached entries are returned as-is,
so validation and dialing still agree on the exact address set.
*/
package resolver
