package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPHonoursOnlyTrustedHops(t *testing.T) {
	edge, err := NewTrustedProxies([]string{"172.16.0.0/12", "fd00::1"})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}

	cases := map[string]struct {
		peer      string
		forwarded string
		realIP    string
		trusted   *TrustedProxies
		want      string
	}{
		"direct caller spoofing headers": {
			peer: "198.51.100.4:5000", forwarded: "1.2.3.4", realIP: "5.6.7.8", want: "198.51.100.4",
		},
		"one proxy hop": {
			peer: "172.16.3.9:80", forwarded: "203.0.113.50", trusted: edge, want: "203.0.113.50",
		},
		"client prepends a fake hop": {
			peer: "172.16.3.9:80", forwarded: "9.9.9.9, 203.0.113.50, 172.20.0.1", trusted: edge, want: "203.0.113.50",
		},
		"real ip used without forwarded chain": {
			peer: "172.16.3.9:80", forwarded: "garbage", realIP: "203.0.113.51", trusted: edge, want: "203.0.113.51",
		},
		"ipv6 proxy with mapped client": {
			peer: "[fd00::1]:443", forwarded: "::ffff:203.0.113.52", trusted: edge, want: "203.0.113.52",
		},
		"only trusted hops": {
			peer: "172.16.3.9:80", forwarded: "172.17.0.2, 172.18.0.3", trusted: edge, want: "172.17.0.2",
		},
		"unix socket peer": {
			peer: "@", want: "@",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/book-requests", nil)
			r.RemoteAddr = tc.peer
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(r, tc.trusted); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxiesRejectsBadEntries(t *testing.T) {
	for _, bad := range []string{"proxy.internal", "172.16.0.0/40"} {
		if _, err := NewTrustedProxies([]string{bad}); err == nil {
			t.Fatalf("entry %q accepted", bad)
		}
	}
	if tp, err := NewTrustedProxies(nil); err != nil || tp != nil {
		t.Fatalf("empty list = %v, %v", tp, err)
	}
	if tp, _ := NewTrustedProxies([]string{"  "}); tp != nil {
		t.Fatalf("blank entry produced %v", tp)
	}
}
