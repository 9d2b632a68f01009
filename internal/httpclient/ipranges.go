package httpclient

import (
	"net"
	"strings"
)

// RFC 1918 plus loopback, link-local, multicast, and reserved v4 space.
var privateV4Blocks = []net.IPNet{
	{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
	{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(224, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
	{IP: net.IPv4(240, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
}

// isPrivateIP reports whether ip falls in private or special-use space.
func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateV4Blocks {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}

	if len(ip) != net.IPv6len {
		return false
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}

	// Unique local fc00::/7, the v6 counterpart of RFC 1918.
	if (ip[0] & 0xfe) == 0xfc {
		return true
	}

	// Deprecated site-local fec0::/10.
	if ip[0] == 0xfe && (ip[1]&0xc0) == 0xc0 {
		return true
	}

	// Documentation prefix 2001:db8::/32.
	if ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x0d && ip[3] == 0xb8 {
		return true
	}

	return false
}

// isLocalhost checks for localhost variants that resolve without DNS.
func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
