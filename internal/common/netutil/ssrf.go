// Package netutil guards outbound HTTP destinations.
//
// Webhook subscriptions carry operator-supplied URLs that the dispatcher
// later POSTs alert payloads to. The guard rejects destinations that would
// turn those deliveries into requests against the service's own network:
// loopback, link-local, RFC 1918 and carrier-grade NAT ranges, and their
// IPv6 equivalents.
package netutil

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// EndpointGuard validates outbound endpoint URLs. The zero value performs
// scheme and hostname checks only; DefaultEndpointGuard returns the
// production policy.
type EndpointGuard struct {
	// AllowedDomains restricts destinations to the listed domains when
	// non-empty. A leading "*." matches subdomains.
	AllowedDomains []string
	// BlockPrivateIPs rejects hostnames resolving to private, link-local
	// or carrier-grade NAT addresses.
	BlockPrivateIPs bool
	// BlockLoopback rejects hostnames resolving to loopback addresses.
	BlockLoopback bool
}

// DefaultEndpointGuard returns the production policy: public addresses only.
func DefaultEndpointGuard() *EndpointGuard {
	return &EndpointGuard{
		BlockPrivateIPs: true,
		BlockLoopback:   true,
	}
}

// cgnat is the carrier-grade NAT range, which netip does not classify as private
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// ValidateURL reports whether a URL is an acceptable delivery destination.
// Hostnames are resolved at validation time so a registration cannot smuggle
// in an internal target behind a public-looking name.
func (g *EndpointGuard) ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed: endpoints must be http or https", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no hostname")
	}

	if len(g.AllowedDomains) > 0 && !g.domainAllowed(host) {
		return fmt.Errorf("domain %q is not in the allowlist", host)
	}

	// Nothing to enforce against the resolved addresses; skip resolution so
	// endpoints can be registered before their DNS exists.
	if !g.BlockPrivateIPs && !g.BlockLoopback {
		return nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("failed to resolve hostname %q: %w", host, err)
	}

	for _, raw := range addrs {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return fmt.Errorf("resolver returned unusable address %q for %q", raw, host)
		}
		if err := g.checkAddr(host, addr.Unmap()); err != nil {
			return err
		}
	}

	return nil
}

func (g *EndpointGuard) checkAddr(host string, addr netip.Addr) error {
	if g.BlockLoopback && addr.IsLoopback() {
		return fmt.Errorf("hostname %q resolves to loopback address %s", host, addr)
	}
	if !g.BlockPrivateIPs {
		return nil
	}

	switch {
	case addr.IsPrivate():
		return fmt.Errorf("hostname %q resolves to private address %s", host, addr)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("hostname %q resolves to link-local address %s", host, addr)
	case addr.IsUnspecified():
		return fmt.Errorf("hostname %q resolves to unspecified address %s", host, addr)
	case addr.Is4() && cgnat.Contains(addr):
		return fmt.Errorf("hostname %q resolves to carrier-grade NAT address %s", host, addr)
	}

	return nil
}

func (g *EndpointGuard) domainAllowed(hostname string) bool {
	for _, pattern := range g.AllowedDomains {
		if strings.HasPrefix(pattern, "*.") {
			base := strings.TrimPrefix(pattern, "*.")
			if hostname == base || strings.HasSuffix(hostname, "."+base) {
				return true
			}
			continue
		}
		if hostname == pattern {
			return true
		}
	}
	return false
}
