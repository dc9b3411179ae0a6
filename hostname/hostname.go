// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package hostname normalizes URL host components into a canonical form.
package hostname

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Kind discriminates the normalized host forms.
type Kind int

const (
	// KindDNS is a syntactically valid DNS name.
	KindDNS Kind = iota
	// KindIPv4 is a literal IPv4 address, in any of its historical encodings.
	KindIPv4
	// KindIPv6 is a literal IPv6 address.
	KindIPv6
)

// Normalized is the canonical form of a host component. For IP kinds Addr is
// set; for KindDNS Name holds the lowercased, IDNA-encoded name without a
// trailing dot.
type Normalized struct {
	Kind Kind
	Addr netip.Addr
	Name string
}

// IsIP reports whether the host is an IP literal.
func (n Normalized) IsIP() bool {
	return n.Kind == KindIPv4 || n.Kind == KindIPv6
}

// String returns the canonical text form. Normalizing the result again yields
// an identical Normalized.
func (n Normalized) String() string {
	if n.IsIP() {
		return n.Addr.String()
	}
	return n.Name
}

// ErrEmptyHost is returned for an empty host component.
var ErrEmptyHost = errors.New("empty host")

// Normalize parses the host component of a URL and returns its canonical
// form. Numeric IPv4 hosts are recognized in every encoding inet_aton
// accepts (dotted or partial forms with decimal, hex, or octal parts, and
// single 32-bit integers), so that an address like 0x7f.0.0.1 cannot evade
// IP-based policy checks by masquerading as a DNS name.
func Normalize(host string) (Normalized, error) {
	if host == "" {
		return Normalized{}, ErrEmptyHost
	}

	// Bracketed IPv6 literal.
	if strings.HasPrefix(host, "[") {
		if !strings.HasSuffix(host, "]") {
			return Normalized{}, fmt.Errorf("unterminated IPv6 literal %q", host)
		}
		return parseV6(host[1 : len(host)-1])
	}

	// Bare IPv6 literal (only IPv6 uses colons in a host).
	if strings.Contains(host, ":") {
		return parseV6(host)
	}

	// Numeric IPv4 in any inet_aton encoding.
	if addr, ok, err := parseNumericV4(host); err != nil {
		return Normalized{}, err
	} else if ok {
		return Normalized{Kind: KindIPv4, Addr: addr}, nil
	}

	return normalizeDNS(host)
}

func parseV6(s string) (Normalized, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is6() && !addr.Is4In6() {
		return Normalized{}, fmt.Errorf("invalid IPv6 literal %q", s)
	}
	if addr.Zone() != "" {
		return Normalized{}, fmt.Errorf("zoned IPv6 literal %q not allowed", s)
	}
	return Normalized{Kind: KindIPv6, Addr: addr}, nil
}

// parseNumericV4 implements inet_aton host recognition. The ok result is
// false when the host is not numeric at all (a DNS name). A host whose parts
// are all numeric but do not form a valid address is an error, never a DNS
// name, so ambiguous inputs cannot fall through to the resolver.
func parseNumericV4(host string) (netip.Addr, bool, error) {
	parts := strings.Split(host, ".")
	// inet_aton accepts a trailing dot ("127.0.0.1.").
	if len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) > 4 {
		if allNumeric(parts) {
			return netip.Addr{}, false, fmt.Errorf("numeric host %q has too many parts", host)
		}
		return netip.Addr{}, false, nil
	}

	vals := make([]uint64, 0, len(parts))
	for _, p := range parts {
		v, ok := parseC(p)
		if !ok {
			return netip.Addr{}, false, nil
		}
		vals = append(vals, v)
	}

	// All leading parts are single octets; the final part fills the
	// remaining bytes (inet_aton shorthand: a.b.c.d, a.b.d, a.d, d).
	var n uint32
	for i, v := range vals[:len(vals)-1] {
		if v > 0xff {
			return netip.Addr{}, false, fmt.Errorf("numeric host %q: part %d out of range", host, i+1)
		}
		n |= uint32(v) << (8 * (3 - i))
	}
	last := vals[len(vals)-1]
	lastBytes := 4 - (len(vals) - 1)
	if lastBytes < 4 && last >= 1<<(8*lastBytes) || lastBytes == 4 && last > 0xffffffff {
		return netip.Addr{}, false, fmt.Errorf("numeric host %q: final part out of range", host)
	}
	n |= uint32(last)

	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), true, nil
}

func allNumeric(parts []string) bool {
	for _, p := range parts {
		if _, ok := parseC(p); !ok {
			return false
		}
	}
	return true
}

// parseC parses a C-style numeric literal: 0x prefix for hexadecimal, a
// leading zero for octal, decimal otherwise.
func parseC(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	base := 10
	switch {
	case len(s) > 2 && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")):
		s, base = s[2:], 16
	case len(s) > 1 && s[0] == '0':
		s, base = s[1:], 8
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func normalizeDNS(host string) (Normalized, error) {
	name := strings.ToLower(strings.TrimSuffix(host, "."))
	if name == "" {
		return Normalized{}, ErrEmptyHost
	}

	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return Normalized{}, fmt.Errorf("invalid hostname %q: %w", host, err)
	}

	if err := checkRFC1035(ascii); err != nil {
		return Normalized{}, err
	}
	return Normalized{Kind: KindDNS, Name: ascii}, nil
}

// checkRFC1035 enforces DNS name syntax: at most 253 characters total,
// labels of 1-63 letters, digits, and hyphens, with no hyphen at a label
// boundary.
func checkRFC1035(name string) error {
	if len(name) > 253 {
		return fmt.Errorf("hostname %q exceeds 253 characters", name)
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return fmt.Errorf("hostname %q has an empty label", name)
		}
		if len(label) > 63 {
			return fmt.Errorf("hostname %q has a label longer than 63 characters", name)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("hostname %q has a label with a leading or trailing hyphen", name)
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
				continue
			}
			return fmt.Errorf("hostname %q contains invalid character %q", name, c)
		}
	}
	return nil
}
