// Package identity extracts a trusted client IP, a stable per-browser
// identifier, and a full per-challenge fingerprint from an inbound
// HTTP request. It makes no store or network calls — every function
// here is a pure, synchronous transform over request headers.
package identity

import (
	"net"
	"net/http"
	"strings"
)

// TrustConfig controls which headers the extractor is willing to
// trust for client IP resolution.
type TrustConfig struct {
	// TrustForwardHeader enables X-Forwarded-For as an IP source.
	// CF-Connecting-IP is always trusted regardless of this flag.
	TrustForwardHeader bool
}

// Identity is the result of extracting identity signals from a
// request: the IP considered trustworthy for ban/rate-limit bucketing,
// the full fingerprint used for dedup, and the stable identifier used
// as the primary rate-limit and cost bucket key.
type Identity struct {
	TrustedIP       string
	FullFingerprint string
	StableID        string
}

const unknownIP = "unknown"

// Extract derives an Identity from the request per the fixed priority
// order: CF-Connecting-IP, then X-Forwarded-For (only if trusted),
// then the direct peer address. Each candidate must parse as a valid
// IPv4/IPv6 literal or extraction falls through to the next source.
func Extract(r *http.Request, cfg TrustConfig) Identity {
	ip := trustedIP(r, cfg)
	fp := fullFingerprint(r, ip)
	return Identity{
		TrustedIP:       ip,
		FullFingerprint: fp,
		StableID:        stableID(fp),
	}
}

func trustedIP(r *http.Request, cfg TrustConfig) string {
	if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
		if validIP(v) {
			return v
		}
	}

	if cfg.TrustForwardHeader {
		if v := r.Header.Get("X-Forwarded-For"); v != "" {
			first := strings.TrimSpace(strings.Split(v, ",")[0])
			if validIP(first) {
				return first
			}
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if validIP(host) {
			return host
		}
	} else if validIP(r.RemoteAddr) {
		return r.RemoteAddr
	}

	return unknownIP
}

func validIP(s string) bool {
	return net.ParseIP(s) != nil
}

func fullFingerprint(r *http.Request, trustedIP string) string {
	if v := strings.TrimSpace(r.Header.Get("X-Fingerprint")); v != "" {
		return v
	}
	return trustedIP
}

// stableID applies the fp:<challenge>:<hash> splitting rule: if the
// fingerprint has the literal "fp:" prefix and at least three
// colon-separated segments, the stable id is the last segment.
// Otherwise the fingerprint passes through unchanged — this is what
// lets raw IPv6 literals (which contain colons but no "fp:" prefix)
// survive as stable identifiers without being mangled.
func stableID(fullFingerprint string) string {
	if !strings.HasPrefix(fullFingerprint, "fp:") {
		return fullFingerprint
	}
	parts := strings.Split(fullFingerprint, ":")
	if len(parts) < 3 {
		return fullFingerprint
	}
	return parts[len(parts)-1]
}
