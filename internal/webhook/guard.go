package webhook

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Cloud metadata endpoints. Blocked even when an allowed CIDR covers them.
var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"), // AWS, GCP, Azure, OpenStack
	netip.MustParseAddr("169.254.170.2"),   // ECS task metadata
	netip.MustParseAddr("fd00:ec2::254"),   // AWS IPv6
	netip.MustParseAddr("100.100.100.200"), // Alibaba Cloud
}

// Ranges that are never public even though netip calls some of them global unicast.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("2002::/16"),
}

var defaultDeniedHosts = []string{
	"localhost",
	"metadata",
	"metadata.google.internal",
	"metadata.goog",
	"instance-data",
	"instance-data.ec2.internal",
}

// GuardConfig is the destination policy.
type GuardConfig struct {
	AllowedSchemes []string
	DeniedHosts    []string
	DeniedCIDRs    []string
	// AllowedCIDRs opt specific internal ranges back in (for example an
	// on-prem receiver). Metadata addresses stay blocked regardless.
	AllowedCIDRs []string
}

// Target is a URL that passed the guard together with the addresses it
// resolved to at check time.
type Target struct {
	URL   *url.URL
	Host  string
	Port  string
	Addrs []netip.Addr
}

// Guard validates webhook destinations.
type Guard struct {
	schemes     map[string]bool
	deniedHosts []string
	denied      []netip.Prefix
	allowed     []netip.Prefix
	resolver    Resolver
	profile     *idna.Profile
}

func NewGuard(cfg GuardConfig, resolver Resolver) (*Guard, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	g := &Guard{
		schemes:  make(map[string]bool),
		resolver: resolver,
		profile:  idna.Lookup,
	}
	schemes := cfg.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"https"}
	}
	for _, s := range schemes {
		g.schemes[strings.ToLower(s)] = true
	}
	for _, h := range append(append([]string(nil), defaultDeniedHosts...), cfg.DeniedHosts...) {
		g.deniedHosts = append(g.deniedHosts, strings.TrimSuffix(strings.ToLower(h), "."))
	}
	for _, c := range cfg.DeniedCIDRs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("denied cidr %q: %w", c, err)
		}
		g.denied = append(g.denied, p.Masked())
	}
	for _, c := range cfg.AllowedCIDRs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("allowed cidr %q: %w", c, err)
		}
		g.allowed = append(g.allowed, p.Masked())
	}
	return g, nil
}

// Validate parses rawURL, applies the scheme and host policy, resolves the host
// and rejects the URL if ANY resolved address is disallowed.
func (g *Guard) Validate(ctx context.Context, rawURL string) (*Target, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed url", ErrUnsafeDestination)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if !g.schemes[u.Scheme] {
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrUnsafeDestination, u.Scheme)
	}
	if u.Opaque != "" || u.User != nil {
		return nil, fmt.Errorf("%w: credentials or opaque urls not allowed", ErrUnsafeDestination)
	}

	rawHost := strings.TrimSuffix(u.Hostname(), ".")
	if rawHost == "" {
		return nil, fmt.Errorf("%w: missing host", ErrUnsafeDestination)
	}

	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return nil, fmt.Errorf("%w: invalid port", ErrUnsafeDestination)
	}

	var addrs []netip.Addr
	host := rawHost
	if ip, err := netip.ParseAddr(rawHost); err == nil {
		if ip.Zone() != "" {
			return nil, fmt.Errorf("%w: zoned address", ErrUnsafeDestination)
		}
		addrs = []netip.Addr{ip}
	} else {
		ascii, err := g.profile.ToASCII(rawHost)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid hostname", ErrUnsafeDestination)
		}
		host = strings.ToLower(ascii)
		if g.hostDenied(host) {
			return nil, fmt.Errorf("%w: host %q is denied", ErrUnsafeDestination, host)
		}
		addrs, err = g.resolve(ctx, host)
		if err != nil {
			return nil, err
		}
	}

	for _, a := range addrs {
		if reason := g.blockReason(a); reason != "" {
			return nil, fmt.Errorf("%w: %s resolves to %s address %s", ErrUnsafeDestination, host, reason, a)
		}
	}

	normalized := *u
	normalized.Host = net.JoinHostPort(host, port)
	if u.Port() == "" {
		normalized.Host = host
		if strings.Contains(host, ":") {
			normalized.Host = "[" + host + "]"
		}
	}
	return &Target{URL: &normalized, Host: host, Port: port, Addrs: addrs}, nil
}

func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	ips, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvable, host, err)
	}
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		a, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			continue
		}
		out = append(out, a.Unmap())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s has no addresses", ErrUnresolvable, host)
	}
	return out, nil
}

func (g *Guard) hostDenied(host string) bool {
	for _, d := range g.deniedHosts {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// blockReason returns why addr is not an acceptable destination, or "".
func (g *Guard) blockReason(addr netip.Addr) string {
	addr = addr.Unmap()
	for _, m := range metadataAddrs {
		if addr == m {
			return "metadata"
		}
	}
	for _, p := range g.denied {
		if p.Contains(addr) {
			return "denied"
		}
	}
	for _, p := range g.allowed {
		if p.Contains(addr) {
			return ""
		}
	}

	switch {
	case addr.IsUnspecified():
		return "unspecified"
	case addr.IsLoopback():
		return "loopback"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local"
	case addr.IsMulticast(), addr.IsInterfaceLocalMulticast():
		return "multicast"
	case addr.IsPrivate():
		return "private"
	case !addr.IsGlobalUnicast():
		return "non-unicast"
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return "reserved"
		}
	}
	return ""
}
