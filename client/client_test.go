// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/agentfetch/fetcherr"
	"github.com/stacklok/agentfetch/policy"
	"github.com/stacklok/agentfetch/resolver/mocks"
)

const testHost = "app.test"

// testPolicy allows dialing the loopback httptest server through a fake
// hostname: the mock resolver answers 127.0.0.1 and private IPs are allowed.
func testPolicy() policy.FetchPolicy {
	pol := policy.Default()
	pol.DenyPrivateIPs = false
	return pol
}

// loopbackResolver answers every query with 127.0.0.1.
func loopbackResolver(t *testing.T) *mocks.MockResolver {
	t.Helper()
	res := mocks.NewMockResolver(gomock.NewController(t))
	res.EXPECT().Resolve(gomock.Any(), gomock.Any()).
		Return([]netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil).AnyTimes()
	return res
}

// hostURL rewrites the httptest server URL to use the fake hostname.
func hostURL(t *testing.T, srv *httptest.Server, path string) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return fmt.Sprintf("http://%s:%s%s", testHost, u.Port(), path)
}

func newTestClient(t *testing.T, pol policy.FetchPolicy) *Client {
	t.Helper()
	c, err := New(pol, WithResolver(loopbackResolver(t)))
	require.NoError(t, err)
	return c
}

func TestFetchSimpleGet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, defaultUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("X-Test", "yes")
		w.Header().Add("X-Multi", "one")
		w.Header().Add("X-Multi", "two")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "hello")
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, testPolicy())
	resp, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/")})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte("hello"), resp.Body)
	assert.Equal(t, "yes", resp.Headers.Get("X-Test"))
	assert.Equal(t, []string{"one", "two"}, resp.Headers.Values("X-Multi"))
	assert.Equal(t, hostURL(t, srv, "/"), resp.FinalURL)
}

func TestFetchPostBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, testPolicy())
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	resp, err := c.Fetch(context.Background(), FetchRequest{
		URL:     hostURL(t, srv, "/submit"),
		Method:  "POST",
		Headers: headers,
		Body:    []byte("payload"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
}

func TestFetchPolicyRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*policy.FetchPolicy)
		req    FetchRequest
		kind   fetcherr.Kind
	}{
		{
			"disallowed scheme",
			func(*policy.FetchPolicy) {},
			FetchRequest{URL: "ftp://example.com/"},
			fetcherr.KindSchemeDisallowed,
		},
		{
			"private ip literal",
			func(p *policy.FetchPolicy) { p.DenyPrivateIPs = true },
			FetchRequest{URL: "http://127.0.0.1/"},
			fetcherr.KindPrivateIPBlocked,
		},
		{
			"encoded private ip literal",
			func(p *policy.FetchPolicy) { p.DenyPrivateIPs = true },
			FetchRequest{URL: "http://0x7f.0x0.0x0.0x1/"},
			fetcherr.KindPrivateIPBlocked,
		},
		{
			"blocklisted domain",
			func(p *policy.FetchPolicy) {
				p.BlockedDomains = []policy.DomainPattern{"evil.com"}
			},
			FetchRequest{URL: "https://evil.com/"},
			fetcherr.KindBlocklistHit,
		},
		{
			"allowlist miss",
			func(p *policy.FetchPolicy) {
				p.AllowedDomains = []policy.DomainPattern{"good.com"}
			},
			FetchRequest{URL: "https://bad.com/"},
			fetcherr.KindAllowlistMiss,
		},
		{
			"disallowed method",
			func(*policy.FetchPolicy) {},
			FetchRequest{URL: "https://example.com/", Method: "TRACE"},
			fetcherr.KindMethodDisallowed,
		},
		{
			"invalid header",
			func(*policy.FetchPolicy) {},
			FetchRequest{
				URL:     "https://example.com/",
				Headers: http.Header{"X-Evil": []string{"v\r\nInjected: yes"}},
			},
			fetcherr.KindHeaderInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pol := testPolicy()
			tt.mutate(&pol)

			res := mocks.NewMockResolver(gomock.NewController(t))
			// A rejected fetch must do no network work at all.
			res.EXPECT().Resolve(gomock.Any(), gomock.Any()).Times(0)
			c, err := New(pol, WithResolver(res))
			require.NoError(t, err)

			_, err = c.Fetch(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, fetcherr.KindOf(err))
			assert.Contains(t, err.Error(), tt.kind.Tag())
		})
	}
}

func TestFetchRequestBodyTooLarge(t *testing.T) {
	t.Parallel()

	pol := testPolicy()
	pol.MaxRequestBodyBytes = 4
	c := newTestClient(t, pol)

	_, err := c.Fetch(context.Background(), FetchRequest{
		URL:  "https://example.com/",
		Body: []byte("too large"),
	})
	require.Error(t, err)
	assert.Equal(t, fetcherr.KindRequestBodyTooLarge, fetcherr.KindOf(err))
}

func TestFetchResponseBodyLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := 8
		if r.URL.Path == "/big" {
			n = 9
		}
		_, _ = w.Write(make([]byte, n))
	}))
	t.Cleanup(srv.Close)

	pol := testPolicy()
	pol.MaxResponseBytes = 8
	c := newTestClient(t, pol)

	// Exactly at the limit succeeds.
	resp, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/ok")})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 8)

	// One byte over fails, with no partial body.
	_, err = c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/big")})
	require.Error(t, err)
	assert.Equal(t, fetcherr.KindBodyTooLarge, fetcherr.KindOf(err))
}

func TestFetchRedirects(t *testing.T) {
	t.Parallel()

	t.Run("follows and revalidates each hop", func(t *testing.T) {
		t.Parallel()

		var (
			mu   sync.Mutex
			hits []string
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits = append(hits, r.URL.Path)
			mu.Unlock()
			if r.URL.Path == "/a" {
				http.Redirect(w, r, "/b", http.StatusFound)
				return
			}
			_, _ = io.WriteString(w, "final")
		}))
		t.Cleanup(srv.Close)

		res := mocks.NewMockResolver(gomock.NewController(t))
		// One resolution per hop: the pipeline runs N+1 times for N redirects.
		res.EXPECT().Resolve(gomock.Any(), testHost).
			Return([]netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil).Times(2)

		c, err := New(testPolicy(), WithResolver(res))
		require.NoError(t, err)

		resp, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/a")})
		require.NoError(t, err)
		assert.Equal(t, []string{"/a", "/b"}, hits)
		assert.Equal(t, []byte("final"), resp.Body)
		assert.Equal(t, hostURL(t, srv, "/b"), resp.FinalURL)
	})

	t.Run("303 rewrites POST to GET and drops body", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/submit" {
				assert.Equal(t, http.MethodPost, r.Method)
				http.Redirect(w, r, "/result", http.StatusSeeOther)
				return
			}
			assert.Equal(t, http.MethodGet, r.Method)
			body, _ := io.ReadAll(r.Body)
			assert.Empty(t, body)
			_, _ = io.WriteString(w, "ok")
		}))
		t.Cleanup(srv.Close)

		c := newTestClient(t, testPolicy())
		resp, err := c.Fetch(context.Background(), FetchRequest{
			URL:    hostURL(t, srv, "/submit"),
			Method: "POST",
			Body:   []byte("form data"),
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("ok"), resp.Body)
	})

	t.Run("307 preserves method and body", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/old" {
				http.Redirect(w, r, "/new", http.StatusTemporaryRedirect)
				return
			}
			assert.Equal(t, http.MethodPost, r.Method)
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "form data", string(body))
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)

		c := newTestClient(t, testPolicy())
		_, err := c.Fetch(context.Background(), FetchRequest{
			URL:    hostURL(t, srv, "/old"),
			Method: "POST",
			Body:   []byte("form data"),
		})
		require.NoError(t, err)
	})

	t.Run("redirect limit", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/again", http.StatusFound)
		}))
		t.Cleanup(srv.Close)

		pol := testPolicy()
		pol.MaxRedirects = 3
		c := newTestClient(t, pol)

		_, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/")})
		require.Error(t, err)
		assert.Equal(t, fetcherr.KindTooManyRedirects, fetcherr.KindOf(err))
	})

	t.Run("exactly max redirects succeeds", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/0":
				http.Redirect(w, r, "/1", http.StatusFound)
			case "/1":
				http.Redirect(w, r, "/2", http.StatusFound)
			case "/2":
				http.Redirect(w, r, "/3", http.StatusFound)
			default:
				w.WriteHeader(http.StatusOK)
			}
		}))
		t.Cleanup(srv.Close)

		pol := testPolicy()
		pol.MaxRedirects = 3
		c := newTestClient(t, pol)

		resp, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/0")})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
	})

	t.Run("redirect to blocklisted host is rejected", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "http://blocked.test/", http.StatusFound)
		}))
		t.Cleanup(srv.Close)

		pol := testPolicy()
		pol.BlockedDomains = []policy.DomainPattern{"blocked.test"}
		c := newTestClient(t, pol)

		_, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/")})
		require.Error(t, err)
		assert.Equal(t, fetcherr.KindBlocklistHit, fetcherr.KindOf(err))
	})

	t.Run("sensitive headers dropped across hosts", func(t *testing.T) {
		t.Parallel()

		var authAtTarget string
		mux := http.NewServeMux()
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
			http.Redirect(w, r, "http://other.test:"+srvPort(t, srv)+"/elsewhere", http.StatusFound)
		})
		mux.HandleFunc("/elsewhere", func(_ http.ResponseWriter, r *http.Request) {
			authAtTarget = r.Header.Get("Authorization")
		})

		c := newTestClient(t, testPolicy())
		headers := http.Header{}
		headers.Set("Authorization", "Bearer token")
		_, err := c.Fetch(context.Background(), FetchRequest{
			URL:     hostURL(t, srv, "/start"),
			Headers: headers,
		})
		require.NoError(t, err)
		assert.Empty(t, authAtTarget)
	})
}

func srvPort(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Port()
}

// stubTransport returns canned responses without touching the network.
type stubTransport struct {
	respond func(*http.Request) *http.Response
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return s.respond(req), nil
}

func TestFetchRedirectToPrivateIPBlocked(t *testing.T) {
	t.Parallel()

	// The initial host resolves publicly; the redirect points at a private
	// address. The second pipeline pass must block it.
	res := mocks.NewMockResolver(gomock.NewController(t))
	res.EXPECT().Resolve(gomock.Any(), "public.test").
		Return([]netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil)

	pol := policy.Default() // DenyPrivateIPs on
	c, err := New(pol, WithResolver(res))
	require.NoError(t, err)

	c.httpClient.Transport = &stubTransport{respond: func(req *http.Request) *http.Response {
		return &http.Response{
			StatusCode: http.StatusFound,
			Header:     http.Header{"Location": []string{"http://10.0.0.1/"}},
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    req,
		}
	}}

	_, err = c.Fetch(context.Background(), FetchRequest{URL: "https://public.test/redir"})
	require.Error(t, err)
	assert.Equal(t, fetcherr.KindPrivateIPBlocked, fetcherr.KindOf(err))
	assert.Contains(t, err.Error(), "10.0.0.1")
}

func TestFetchRedirectWithoutLocation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusFound) // no Location header
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, testPolicy())
	_, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/")})
	require.Error(t, err)
	assert.Equal(t, fetcherr.KindUpstreamError, fetcherr.KindOf(err))
	assert.Contains(t, err.Error(), "without Location")
}

func TestFetchRateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	pol := testPolicy()
	pol.RateLimit = &policy.RateLimit{Requests: 2, Interval: time.Hour}
	c := newTestClient(t, pol)

	for range 2 {
		_, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/")})
		require.NoError(t, err)
	}

	_, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/")})
	require.Error(t, err)
	assert.Equal(t, fetcherr.KindRateLimited, fetcherr.KindOf(err))
}

func TestFetchRejectionDoesNotConsumeToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	pol := testPolicy()
	pol.RateLimit = &policy.RateLimit{Requests: 1, Interval: time.Hour}
	pol.BlockedDomains = []policy.DomainPattern{"evil.com"}
	c := newTestClient(t, pol)

	// Blocked probes are rejected before admission and must not spend the
	// single token.
	for range 5 {
		_, err := c.Fetch(context.Background(), FetchRequest{URL: "https://evil.com/"})
		assert.Equal(t, fetcherr.KindBlocklistHit, fetcherr.KindOf(err))
	}

	_, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/")})
	require.NoError(t, err)
}

func TestFetchRequestTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	pol := testPolicy()
	pol.RequestTimeout = 200 * time.Millisecond
	c := newTestClient(t, pol)

	start := time.Now()
	_, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/")})
	require.Error(t, err)
	assert.Equal(t, fetcherr.KindTimeout, fetcherr.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetchCancellation(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, testPolicy())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, FetchRequest{URL: hostURL(t, srv, "/")})
		errCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not terminate the fetch promptly")
	}
}

func TestFetchUpstreamConnectionRefused(t *testing.T) {
	t.Parallel()

	// Start and immediately stop a server to obtain a refusing port.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	u := hostURL(t, srv, "/")
	srv.Close()

	c := newTestClient(t, testPolicy())
	_, err := c.Fetch(context.Background(), FetchRequest{URL: u})
	require.Error(t, err)
	assert.Equal(t, fetcherr.KindUpstreamError, fetcherr.KindOf(err))
}

func TestNewValidatesPolicy(t *testing.T) {
	t.Parallel()

	pol := policy.Default()
	pol.AllowedSchemes = nil
	_, err := New(pol)
	require.Error(t, err)

	pol = policy.Default()
	pol.Rule = "port =="
	_, err = New(pol)
	require.Error(t, err)
}

func TestFetchDefaultMethodIsGet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, testPolicy())
	resp, err := c.Fetch(context.Background(), FetchRequest{URL: hostURL(t, srv, "/")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
}
