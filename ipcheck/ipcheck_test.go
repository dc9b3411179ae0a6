// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ipcheck

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckIPv4(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		addr     string
		safe     bool
		category Category
	}{
		{"loopback", "127.0.0.1", false, CategoryLoopback},
		{"loopback high", "127.255.255.255", false, CategoryLoopback},
		{"unspecified", "0.0.0.0", false, CategoryUnspecified},
		{"this-network", "0.1.2.3", false, CategoryUnspecified},
		{"rfc1918 10/8", "10.0.0.1", false, CategoryPrivate},
		{"rfc1918 10/8 high", "10.255.255.255", false, CategoryPrivate},
		{"rfc1918 172.16/12 low", "172.16.0.1", false, CategoryPrivate},
		{"rfc1918 172.16/12 high", "172.31.255.255", false, CategoryPrivate},
		{"rfc1918 172 outside range", "172.32.0.1", true, ""},
		{"rfc1918 192.168/16", "192.168.1.1", false, CategoryPrivate},
		{"link-local", "169.254.0.1", false, CategoryLinkLocal},
		{"cloud metadata", "169.254.169.254", false, CategoryLinkLocal},
		{"cgnat low", "100.64.0.1", false, CategoryCGNAT},
		{"cgnat high", "100.127.255.255", false, CategoryCGNAT},
		{"cgnat outside", "100.128.0.1", true, ""},
		{"ietf protocol assignments", "192.0.0.1", false, CategoryReserved},
		{"test-net-1", "192.0.2.1", false, CategoryDocumentation},
		{"test-net-2", "198.51.100.7", false, CategoryDocumentation},
		{"test-net-3", "203.0.113.200", false, CategoryDocumentation},
		{"benchmarking low", "198.18.0.1", false, CategoryBenchmark},
		{"benchmarking high", "198.19.255.255", false, CategoryBenchmark},
		{"multicast low", "224.0.0.1", false, CategoryMulticast},
		{"multicast high", "239.255.255.255", false, CategoryMulticast},
		{"reserved class E", "240.0.0.1", false, CategoryReserved},
		{"broadcast", "255.255.255.255", false, CategoryBroadcast},
		{"public dns", "8.8.8.8", true, ""},
		{"public cloudflare", "1.1.1.1", true, ""},
		{"public example", "93.184.216.34", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Check(netip.MustParseAddr(tt.addr))
			assert.Equal(t, tt.safe, d.Safe)
			if !tt.safe {
				assert.Equal(t, tt.category, d.Category)
			}
		})
	}
}

func TestCheckIPv6(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		addr     string
		safe     bool
		category Category
	}{
		{"loopback", "::1", false, CategoryLoopback},
		{"unspecified", "::", false, CategoryUnspecified},
		{"link-local", "fe80::1", false, CategoryLinkLocal},
		{"link-local high", "febf::1", false, CategoryLinkLocal},
		{"ula fc00", "fc00::1", false, CategoryULA},
		{"ula fd00", "fd00::1", false, CategoryULA},
		{"aws metadata v6", "fd00:ec2::254", false, CategoryULA},
		{"multicast", "ff02::1", false, CategoryMulticast},
		{"discard", "100::1", false, CategoryDiscard},
		{"documentation", "2001:db8::1", false, CategoryDocumentation},
		{"teredo block", "2001::1", false, CategoryReserved},
		{"public google", "2607:f8b0:4004:800::200e", true, ""},
		{"public cloudflare", "2606:4700:4700::1111", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Check(netip.MustParseAddr(tt.addr))
			assert.Equal(t, tt.safe, d.Safe)
			if !tt.safe {
				assert.Equal(t, tt.category, d.Category)
			}
		})
	}
}

func TestCheckEmbeddedIPv4(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		addr     string
		safe     bool
		category Category
	}{
		{"mapped loopback", "::ffff:127.0.0.1", false, CategoryLoopback},
		{"mapped private", "::ffff:10.0.0.1", false, CategoryPrivate},
		{"mapped rfc1918", "::ffff:192.168.1.1", false, CategoryPrivate},
		{"mapped metadata", "::ffff:169.254.169.254", false, CategoryLinkLocal},
		{"mapped public", "::ffff:8.8.8.8", true, ""},
		{"translated loopback", "::ffff:0:7f00:1", false, CategoryLoopback},
		{"nat64 loopback", "64:ff9b::7f00:1", false, CategoryLoopback},
		{"nat64 private", "64:ff9b::a00:1", false, CategoryPrivate},
		{"nat64 public", "64:ff9b::808:808", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Check(netip.MustParseAddr(tt.addr))
			assert.Equal(t, tt.safe, d.Safe, "decision for %s", tt.addr)
			if !tt.safe {
				assert.Equal(t, tt.category, d.Category)
			}
		})
	}
}

func TestCheckZeroAddr(t *testing.T) {
	t.Parallel()

	d := Check(netip.Addr{})
	require.False(t, d.Safe)
	assert.Equal(t, CategoryInvalid, d.Category)
}

func TestCheckZonedAddr(t *testing.T) {
	t.Parallel()

	d := Check(netip.MustParseAddr("fe80::1%eth0"))
	require.False(t, d.Safe)
	assert.Equal(t, CategoryLinkLocal, d.Category)
}

// Classification must agree between an address and its canonical re-parse.
func TestCheckCanonicalRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		"127.0.0.1", "10.1.2.3", "8.8.8.8",
		"::1", "fe80::1", "2001:db8::1", "2607:f8b0::1", "::ffff:127.0.0.1",
	} {
		addr := netip.MustParseAddr(s)
		again := netip.MustParseAddr(addr.String())
		assert.Equal(t, Check(addr), Check(again), "round trip for %s", s)
	}
}
