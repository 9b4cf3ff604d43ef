// Package origin decides which browser Origins may open the WebSocket
// endpoints. Non-browser clients send no Origin header and are always
// admitted; browsers are checked against a configured allowlist, defaulting
// to same-host only.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Allowlist is an origin admission policy.
//
// Empty means same-host only: the Origin's host[:port] must match the
// request's Host header. The scheme is intentionally not compared because the
// relay may sit behind a TLS-terminating proxy and see HTTP while the browser
// Origin says HTTPS. An entry of "*" admits every origin.
type Allowlist struct {
	entries []string
	any     bool
}

// ParseAllowlist builds an Allowlist from configured entries. Each entry must
// be "*" or a well-formed origin (scheme://host[:port]); entries are
// normalized so later comparisons are exact string matches.
func ParseAllowlist(entries []string) (Allowlist, error) {
	var al Allowlist
	for _, raw := range entries {
		e := strings.TrimSpace(raw)
		if e == "" {
			continue
		}
		if e == "*" {
			al.any = true
			continue
		}
		normalized, _, ok := Normalize(e)
		if !ok {
			return Allowlist{}, &ParseError{Entry: raw}
		}
		al.entries = append(al.entries, normalized)
	}
	return al, nil
}

type ParseError struct {
	Entry string
}

func (e *ParseError) Error() string {
	return "invalid allowed origin " + strconv.Quote(e.Entry)
}

// Admit reports whether a request with the given Origin header may proceed.
// requestHost is the request's Host header, used for the same-host default.
func (al Allowlist) Admit(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		// No Origin: not a browser. WebSocket auth still applies.
		return true
	}
	if al.any {
		return true
	}

	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}

	if len(al.entries) > 0 {
		for _, allowed := range al.entries {
			if allowed == normalized {
				return true
			}
		}
		return false
	}

	// Same-host default. "null" origins (sandboxed iframes, file://) never
	// match a host.
	if normalized == "null" {
		return false
	}
	scheme := "http"
	if strings.HasPrefix(normalized, "https://") {
		scheme = "https"
	}
	reqHost, ok := normalizeHost(requestHost, scheme)
	if !ok {
		return false
	}
	return host == reqHost
}

// Normalize validates an Origin header value and reduces it to canonical
// scheme://host[:port] form, lowercased, with default ports stripped. The
// special value "null" is passed through.
func Normalize(originHeader string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHost lowercases host[:port], validates the port, strips the
// scheme's default port, and brackets IPv6 literals.
func normalizeHost(rawHost, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(rawHost)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port]. IPv6 literals come back
// without brackets; the port is returned unvalidated and empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		i := strings.IndexByte(rawHost, ':')
		if i == 0 || i == len(rawHost)-1 {
			return "", "", false
		}
		return rawHost[:i], rawHost[i+1:], true
	default:
		// Unbracketed IPv6 literals are not valid authority syntax.
		return "", "", false
	}
}
