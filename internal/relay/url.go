package relay

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/Shugur-Network/relayfetch/internal/errors"
)

var repeatedSlashes = regexp.MustCompile(`/{2,}`)

// NormalizeURL returns the canonical form of a relay address. It is the only
// key used for relay bookkeeping, so it must stay idempotent.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.InvalidRelayURLError(raw, "empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.InvalidRelayURLError(raw, err.Error())
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.InvalidRelayURLError(raw, "scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return "", errors.InvalidRelayURLError(raw, "missing host")
	}

	if port := u.Port(); (u.Scheme == "ws" && port == "80") || (u.Scheme == "wss" && port == "443") {
		host := u.Hostname()
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		u.Host = host
	} else if port != "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}

	path := repeatedSlashes.ReplaceAllString(u.Path, "/")
	u.Path = strings.TrimSuffix(path, "/")
	u.RawPath = ""

	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode() // Encode sorts by key
	}
	u.ForceQuery = false
	u.Fragment, u.RawFragment = "", ""

	return u.String(), nil
}

// NormalizeURLs normalizes and deduplicates urls, keeping first-seen order.
// Addresses that cannot be normalized are returned separately.
func NormalizeURLs(urls []string) (valid []string, invalid []string) {
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		u, err := NormalizeURL(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		valid = append(valid, u)
	}
	return valid, invalid
}
