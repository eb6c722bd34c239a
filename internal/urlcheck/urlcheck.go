// Package urlcheck rejects webhook destination URLs that would let a tenant
// make the service call into private or loopback networks.
//
// Validation is syntactic: hostnames are not resolved, so a public name
// that later resolves to a private address (DNS rebinding) is not caught
// here. The delivery client additionally refuses to follow redirects.
package urlcheck

import (
	"net/netip"
	"net/url"
	"strings"
)

// Result is the outcome of Validate. Reason is empty when Valid.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Rejection reasons.
const (
	ReasonUnparseable = "URL could not be parsed"
	ReasonScheme      = "URL must use https"
	ReasonUserinfo    = "URL must not contain credentials"
	ReasonNoHost      = "URL must include a host"
	ReasonIPv6        = "IPv6 literal hosts are not allowed"
	ReasonLocalhost   = "localhost is not allowed"
	ReasonNoDot       = "host must be a fully qualified domain name"
	ReasonPrivateIP   = "private, loopback or link-local addresses are not allowed"
	ReasonNumericHost = "numeric hosts must be dotted-quad IPv4 addresses"
)

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

func reject(reason string) Result { return Result{Reason: reason} }

// Validate reports whether rawURL is acceptable as a webhook destination.
func Validate(rawURL string) Result {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return reject(ReasonUnparseable)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return reject(ReasonUnparseable)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return reject(ReasonScheme)
	}
	if u.User != nil {
		return reject(ReasonUserinfo)
	}
	if u.Host == "" {
		return reject(ReasonNoHost)
	}
	if strings.HasPrefix(u.Host, "[") {
		return reject(ReasonIPv6)
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return reject(ReasonNoHost)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return reject(ReasonLocalhost)
	}
	if !strings.Contains(host, ".") {
		return reject(ReasonNoDot)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlocked(addr) {
			return reject(ReasonPrivateIP)
		}
	} else if isNumericHost(host) {
		// Resolvers accept shorthand, octal and hex IPv4 forms
		// (127.1, 0177.0.0.1, 0x7f.0.0.1) that ParseAddr does not.
		return reject(ReasonNumericHost)
	}

	return Result{Valid: true}
}

// isNumericHost reports whether every label of host is a decimal, octal or
// hex number.
func isNumericHost(host string) bool {
	for _, label := range strings.Split(host, ".") {
		digits, base := label, "0123456789"
		if strings.HasPrefix(label, "0x") {
			digits, base = label[2:], "0123456789abcdef"
		}
		if label == "" || strings.Trim(digits, base) != "" {
			return false
		}
	}
	return true
}

func isBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
