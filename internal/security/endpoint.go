package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Hostnames that never make valid delivery targets regardless of what
// they resolve to.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// Address ranges outside the scope of the stdlib IsPrivate check.
// 100.64.0.0/10 is carrier-grade NAT space.
var blockedNets = mustParseCIDRs("100.64.0.0/10")

// ValidateWebhookURL checks that a trader-supplied webhook URL is safe
// for server-side delivery: a subscription must not be pointable at
// loopback, private, link-local or otherwise internal infrastructure.
// IP literals are checked directly; hostnames are resolved and every
// resolved address is checked.
func ValidateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := u.Hostname()
	if blockedHosts[strings.ToLower(host)] {
		return fmt.Errorf("URL host %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, s := range ips {
		if resolved := net.ParseIP(s); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	case ip.IsMulticast():
		return fmt.Errorf("multicast addresses are not allowed")
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return fmt.Errorf("address range %s is not allowed", n)
		}
	}
	return nil
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}
