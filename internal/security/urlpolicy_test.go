package security

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"toolhost/internal/domain"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"192.168.255.255", true},
		{"127.0.0.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"::ffff:127.0.0.1", true},
		{"::ffff:10.0.0.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"172.32.0.1", false},
		{"::ffff:8.8.8.8", false},
		{"2607:f8b0:4004:800::200e", false},
	}
	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if ip == nil {
			t.Fatalf("failed to parse %q", tt.ip)
		}
		if got := IsPrivateIP(ip); got != tt.private {
			t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}

func TestURLPolicyCheck(t *testing.T) {
	tests := []struct {
		name   string
		policy URLPolicy
		url    string
		ok     bool
	}{
		{"public ip", URLPolicy{}, "https://1.1.1.1/plugin.zip", true},
		{"mapped public ip", URLPolicy{}, "http://[::ffff:8.8.8.8]/", true},
		{"loopback", URLPolicy{}, "http://127.0.0.1/secrets", false},
		{"private", URLPolicy{}, "http://10.0.0.1:8080/admin", false},
		{"metadata", URLPolicy{}, "http://[::ffff:169.254.169.254]/latest/meta-data/", false},
		{"ipv6 loopback", URLPolicy{}, "http://[::1]/", false},
		{"loopback allowed", URLPolicy{AllowPrivate: true}, "http://127.0.0.1:9000/x.zip", true},
		{"file scheme", URLPolicy{AllowPrivate: true}, "file:///etc/passwd", false},
		{"no scheme", URLPolicy{}, "example.com/x.zip", false},
		{"empty host", URLPolicy{}, "http:///path", false},
		{"bad ipv6", URLPolicy{}, "http://[invalid-ipv6/path", false},
		{"http when https required", URLPolicy{RequireHTTPS: true}, "http://1.1.1.1/", false},
		{"https when https required", URLPolicy{RequireHTTPS: true}, "https://1.1.1.1/", true},
		{"unresolvable", URLPolicy{}, "http://nonexistent.invalid/path", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Check(tt.url)
			if tt.ok {
				if err != nil {
					t.Errorf("Check(%q) = %v, want nil", tt.url, err)
				}
				return
			}
			if !errors.Is(err, domain.ErrURLBlocked) {
				t.Errorf("Check(%q) = %v, want ErrURLBlocked", tt.url, err)
			}
		})
	}
}

func TestURLPolicyCheckLocalhost(t *testing.T) {
	ips, err := net.LookupIP("localhost")
	if err != nil || len(ips) == 0 {
		t.Skip("localhost does not resolve here")
	}
	if err := (URLPolicy{}).Check("http://localhost/admin"); !errors.Is(err, domain.ErrURLBlocked) {
		t.Errorf("expected localhost to be blocked, got %v", err)
	}
}

func TestURLPolicyTransportBlocksAtDial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := URLPolicy{}.Client(0).Get(srv.URL)
	if err == nil {
		t.Fatal("expected dial to loopback to be blocked")
	}
	if !strings.Contains(err.Error(), domain.ErrURLBlocked.Error()) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestURLPolicyTransportAllowPrivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := URLPolicy{AllowPrivate: true}.Client(0).Get(srv.URL)
	if err != nil {
		t.Fatalf("allowed request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
