package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"toolhost/internal/domain"
)

// blockedRanges are the loopback, private, link-local and reserved blocks a
// plugin download must never reach unless private hosts are allowed.
var blockedRanges = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// IsPrivateIP reports whether ip is loopback, private, link-local or reserved.
// IPv4-mapped IPv6 addresses are judged by their IPv4 form.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range blockedRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// URLPolicy vets the URLs the installer and catalog fetch from.
type URLPolicy struct {
	AllowPrivate  bool // permit loopback and private hosts (local catalogs, tests)
	RequireHTTPS  bool
	Resolver      *net.Resolver // nil uses net.DefaultResolver
	LookupTimeout time.Duration
}

func (p URLPolicy) resolver() *net.Resolver {
	if p.Resolver != nil {
		return p.Resolver
	}
	return net.DefaultResolver
}

func blocked(op, format string, args ...any) error {
	return domain.NewDomainError(op, domain.ErrURLBlocked, fmt.Sprintf(format, args...))
}

// Check validates rawURL's scheme and, unless private hosts are allowed,
// that its host does not resolve to a private address.
func (p URLPolicy) Check(rawURL string) error {
	const op = "URLPolicy.Check"
	u, err := url.Parse(rawURL)
	if err != nil {
		return blocked(op, "invalid url: %v", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if p.RequireHTTPS {
			return blocked(op, "plain http is not allowed")
		}
	case "":
		return blocked(op, "missing url scheme")
	default:
		return blocked(op, "scheme %q not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return blocked(op, "empty hostname")
	}
	if p.AllowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return blocked(op, "address %s is private", ip)
		}
		return nil
	}

	timeout := p.LookupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	addrs, err := p.resolver().LookupIPAddr(ctx, host)
	if err != nil {
		return blocked(op, "lookup %s: %v", host, err)
	}
	for _, a := range addrs {
		if IsPrivateIP(a.IP) {
			return blocked(op, "host %s resolves to private address %s", host, a.IP)
		}
	}
	return nil
}

// Transport returns an HTTP transport that re-checks resolved addresses at
// dial time and connects to the checked address, so a DNS answer that
// changes between Check and the request cannot redirect it.
func (p URLPolicy) Transport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: time.Second,
		DialContext:           dialer.DialContext,
	}
	if p.AllowPrivate {
		return t
	}

	t.Proxy = nil
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		const op = "URLPolicy.Dial"
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, blocked(op, "invalid address %q", addr)
		}
		addrs, err := p.resolver().LookupIPAddr(ctx, host)
		if err != nil {
			return nil, domain.NewDomainError(op, domain.ErrIOFailure, fmt.Sprintf("lookup %s: %v", host, err))
		}
		if len(addrs) == 0 {
			return nil, domain.NewDomainError(op, domain.ErrIOFailure, "no addresses for "+host)
		}
		for _, a := range addrs {
			if IsPrivateIP(a.IP) {
				return nil, blocked(op, "%s resolves to private address %s", host, a.IP)
			}
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].IP.String(), port))
	}
	return t
}

// Client returns an HTTP client using Transport with the given overall timeout.
func (p URLPolicy) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: p.Transport(), Timeout: timeout}
}
