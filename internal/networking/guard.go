// Package networking provides the outbound URL guard and the timed JSON
// fetcher used for OIDC discovery and JWKS retrieval.
package networking

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URL guard errors.
var (
	ErrInvalidURL         = errors.New("URL is not a valid absolute URL")
	ErrProtocolNotAllowed = errors.New("only https URLs are allowed")
	ErrMetadataBlocked    = errors.New("cloud metadata endpoints are blocked")
	ErrPrivateAddress     = errors.New("private, loopback, link-local, multicast and reserved addresses are blocked")
)

// metadataHost is the well-known cloud metadata hostname; the guard blocks
// it together with all of its subdomains.
const metadataHost = "metadata.google.internal"

// metadataIPv4 is the link-local metadata service address used by every
// major cloud provider.
const metadataIPv4 = "169.254.169.254"

// blockedIPv4Ranges are the IPv4 ranges the guard rejects.
var blockedIPv4Ranges = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
	"240.0.0.0/4",
)

// blockedIPv6Ranges are the IPv6 ranges the guard rejects. IPv4-mapped
// addresses are unwrapped and checked against the IPv4 ranges instead.
var blockedIPv6Ranges = mustParseCIDRs(
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("parsing CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// ValidateURL rejects URLs that must never be fetched: non-HTTPS schemes,
// cloud metadata endpoints, and IP literals in private, loopback,
// link-local, multicast or reserved ranges. Hostnames that are not IP
// literals pass the range checks; DNS resolution is out of scope here.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Hostname() == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrProtocolNotAllowed, u.Scheme)
	}

	return ValidateHost(u.Hostname())
}

// ValidateHost applies the metadata and address-range rules to a bare
// hostname or IP literal.
func ValidateHost(host string) error {
	if err := checkMetadataHost(host); err != nil {
		return err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}

	if v4 := ip.To4(); v4 != nil {
		for _, blocked := range blockedIPv4Ranges {
			if blocked.Contains(v4) {
				return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
			}
		}
		return nil
	}

	for _, blocked := range blockedIPv6Ranges {
		if blocked.Contains(ip) {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
		}
	}

	return nil
}

// checkMetadataHost rejects the metadata hostname, its subdomains, and the
// literal metadata IP.
func checkMetadataHost(host string) error {
	lower := strings.ToLower(host)

	if lower == metadataHost || strings.HasSuffix(lower, "."+metadataHost) {
		return fmt.Errorf("%w: %s", ErrMetadataBlocked, host)
	}

	if lower == metadataIPv4 {
		return fmt.Errorf("%w: %s", ErrMetadataBlocked, host)
	}

	// An IPv4-mapped IPv6 spelling of the metadata address is still the
	// metadata address.
	if ip := net.ParseIP(lower); ip != nil {
		if v4 := ip.To4(); v4 != nil && v4.String() == metadataIPv4 {
			return fmt.Errorf("%w: %s", ErrMetadataBlocked, host)
		}
	}

	return nil
}
