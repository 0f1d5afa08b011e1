// Package validate rejects endpoint URLs that could be used for SSRF or that
// point at private infrastructure, and normalizes URLs for duplicate
// detection.
//
// Validation is purely syntactic (scheme, host literal, suffix, port).
// DNS resolution is not performed here.
package validate

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// privatePrefixes lists address ranges that endpoint URLs must never target.
var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),    // loopback
	netip.MustParsePrefix("10.0.0.0/8"),     // RFC 1918
	netip.MustParsePrefix("172.16.0.0/12"),  // RFC 1918
	netip.MustParsePrefix("192.168.0.0/16"), // RFC 1918
	netip.MustParsePrefix("169.254.0.0/16"), // link-local
	netip.MustParsePrefix("::1/128"),        // IPv6 loopback
	netip.MustParsePrefix("fc00::/7"),       // IPv6 unique local
	netip.MustParsePrefix("fe80::/10"),      // IPv6 link-local
}

// blockedSuffixes are host suffixes that denote internal infrastructure.
var blockedSuffixes = []string{".local", ".internal", ".lan", ".corp"}

// blockedPorts are service ports that an inference backend has no business
// listening on (databases, mail, remote shells).
var blockedPorts = map[int]bool{
	22: true, 23: true, 25: true, 110: true, 143: true,
	3306: true, 5432: true, 6379: true, 27017: true,
}

// URLError describes why an endpoint URL was rejected. The Rule field names
// the violated validation rule so callers can echo it to the user.
type URLError struct {
	Rule string
}

func (e *URLError) Error() string { return e.Rule }

// URLSyntax checks only the shape of an endpoint URL: scheme, hostname,
// userinfo, port range. Deployments that opt in to private endpoints
// (ALLOW_PRIVATE_ENDPOINTS) still run this check.
func URLSyntax(raw string) error {
	if raw == "" {
		return &URLError{Rule: "endpoint URL must not be empty"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return &URLError{Rule: fmt.Sprintf("malformed URL: %v", err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return &URLError{Rule: fmt.Sprintf("URL scheme must be http or https, got %q", u.Scheme)}
	}

	if u.Hostname() == "" {
		return &URLError{Rule: "URL must contain a hostname"}
	}

	if u.User != nil {
		return &URLError{Rule: "URL must not contain userinfo"}
	}

	if port := u.Port(); port != "" {
		var n int
		if _, err := fmt.Sscanf(port, "%d", &n); err != nil || n < 1 || n > 65535 {
			return &URLError{Rule: fmt.Sprintf("invalid port %q", port)}
		}
	}

	return nil
}

// URL checks an endpoint URL against the SSRF rules. A nil return means the
// URL is safe to register and to probe.
func URL(raw string) error {
	if err := URLSyntax(raw); err != nil {
		return err
	}

	u, _ := url.Parse(raw)
	host := u.Hostname()

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return &URLError{Rule: "localhost endpoints are not allowed"}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return &URLError{Rule: fmt.Sprintf("host suffix %q denotes internal infrastructure", suffix)}
		}
	}

	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		unwrapped := addr.Unmap()
		for _, p := range privatePrefixes {
			if p.Contains(unwrapped) {
				return &URLError{Rule: fmt.Sprintf("IP address %s is in blocked range %s", host, p)}
			}
		}
		if unwrapped.IsUnspecified() {
			return &URLError{Rule: "unspecified IP address is not allowed"}
		}
	}

	if port := u.Port(); port != "" {
		var n int
		fmt.Sscanf(port, "%d", &n)
		if blockedPorts[n] {
			return &URLError{Rule: fmt.Sprintf("port %d is blocked", n)}
		}
	}

	return nil
}

// NormalizeURL canonicalizes an endpoint URL for duplicate detection:
// scheme and host are lowercased, default ports (80/443) and trailing
// slashes are stripped, fragments are dropped. The input must already have
// passed URL.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("normalize: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	netloc := host
	if port != "" {
		netloc = host + ":" + port
	}

	path := strings.TrimRight(u.Path, "/")

	out := scheme + "://" + netloc + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out, nil
}

// ModelNamePattern documents the accepted model name syntax.
const ModelNamePattern = `^[A-Za-z0-9._-]+$`

// ModelName checks a model name against the accepted token syntax
// (1-128 chars of [A-Za-z0-9._-]).
func ModelName(name string) error {
	if name == "" {
		return fmt.Errorf("model_name must not be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("model_name must be at most 128 characters")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("model_name contains invalid character %q (allowed: %s)", r, ModelNamePattern)
		}
	}
	return nil
}
