// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package resolver provides the library-owned DNS resolver.
package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

//go:generate mockgen -source=resolver.go -destination=mocks/mock_resolver.go -package=mocks Resolver

// Resolver resolves a hostname to the full set of its A and AAAA records.
// An empty address set is an error, never an implicit allow.
type Resolver interface {
	Resolve(ctx context.Context, name string) ([]netip.Addr, error)
}

// DefaultTimeout bounds one Resolve call when Config.Timeout is zero.
const DefaultTimeout = 5 * time.Second

const resolvConfPath = "/etc/resolv.conf"

// Config configures the DNS resolver.
type Config struct {
	// Servers are "host:port" addresses of DNS servers to query in order.
	// When empty, the servers from /etc/resolv.conf are used.
	Servers []string

	// Timeout bounds one Resolve call, both queries included.
	// Zero means DefaultTimeout.
	Timeout time.Duration

	// CacheTTL enables the positive cache when non-zero. Entries expire at
	// the smaller of CacheTTL and the record TTL.
	CacheTTL time.Duration
}

// DNSResolver issues its own DNS queries rather than delegating to the
// platform's getaddrinfo, so the address set it returns is exactly the set
// the caller validates and dials. It is safe for concurrent use.
type DNSResolver struct {
	servers  []string
	timeout  time.Duration
	cacheTTL time.Duration

	udp *dns.Client
	tcp *dns.Client

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

// New creates a DNSResolver. When cfg.Servers is empty the system's
// resolv.conf supplies the server list; a missing or empty resolv.conf is an
// error rather than a silent fallback.
func New(cfg Config) (*DNSResolver, error) {
	servers := cfg.Servers
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile(resolvConfPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", resolvConfPath, err)
		}
		for _, s := range conf.Servers {
			servers = append(servers, dnsServerAddr(s, conf.Port))
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers configured")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r := &DNSResolver{
		servers:  servers,
		timeout:  timeout,
		cacheTTL: cfg.CacheTTL,
		udp:      &dns.Client{Net: "udp"},
		tcp:      &dns.Client{Net: "tcp"},
	}
	if cfg.CacheTTL > 0 {
		r.cache = make(map[string]cacheEntry)
	}
	return r, nil
}

func dnsServerAddr(host, port string) string {
	if port == "" {
		port = "53"
	}
	// resolv.conf may list IPv6 servers, which need brackets in host:port.
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is6() {
		return "[" + host + "]:" + port
	}
	return host + ":" + port
}

// Resolve returns the union of A and AAAA records for name. The two queries
// run concurrently; either record type may legitimately be absent, but an
// empty union is an error.
func (r *DNSResolver) Resolve(ctx context.Context, name string) ([]netip.Addr, error) {
	fqdn := dns.Fqdn(name)

	if addrs, ok := r.cached(fqdn); ok {
		return addrs, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		addrs  []netip.Addr
		minTTL = uint32(0)
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		g.Go(func() error {
			got, ttl, err := r.query(ctx, fqdn, qtype)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			addrs = append(addrs, got...)
			if len(got) > 0 && (minTTL == 0 || ttl < minTTL) {
				minTTL = ttl
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses found for %q", name)
	}

	r.store(fqdn, addrs, minTTL)
	return addrs, nil
}

// query asks each configured server in turn until one answers. A truncated
// UDP response is retried over TCP against the same server.
func (r *DNSResolver) query(ctx context.Context, fqdn string, qtype uint16) ([]netip.Addr, uint32, error) {
	m := new(dns.Msg)
	m.SetQuestion(fqdn, qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.udp.ExchangeContext(ctx, m, server)
		if err == nil && resp.Truncated {
			resp, _, err = r.tcp.ExchangeContext(ctx, m, server)
		}
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("DNS query for %q returned %s", fqdn, dns.RcodeToString[resp.Rcode])
			continue
		}
		return recordAddrs(resp), minAnswerTTL(resp), nil
	}
	return nil, 0, fmt.Errorf("all DNS servers failed for %q: %w", fqdn, lastErr)
}

func recordAddrs(resp *dns.Msg) []netip.Addr {
	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		var ip []byte
		switch record := rr.(type) {
		case *dns.A:
			ip = record.A
		case *dns.AAAA:
			ip = record.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs
}

func minAnswerTTL(resp *dns.Msg) uint32 {
	var ttl uint32
	for _, rr := range resp.Answer {
		h := rr.Header()
		if h.Rrtype != dns.TypeA && h.Rrtype != dns.TypeAAAA {
			continue
		}
		if ttl == 0 || h.Ttl < ttl {
			ttl = h.Ttl
		}
	}
	return ttl
}

func (r *DNSResolver) cached(fqdn string) ([]netip.Addr, bool) {
	if r.cache == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[fqdn]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.addrs, true
}

func (r *DNSResolver) store(fqdn string, addrs []netip.Addr, recordTTL uint32) {
	if r.cache == nil {
		return
	}
	ttl := r.cacheTTL
	if recordTTL > 0 {
		if recTTL := time.Duration(recordTTL) * time.Second; recTTL < ttl {
			ttl = recTTL
		}
	}
	if ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[fqdn] = cacheEntry{addrs: addrs, expires: time.Now().Add(ttl)}
}
