package clients

import (
	"net"
	"net/url"
	"strings"
)

// isSafeRedirectURI rejects URIs usable for open redirects or script
// injection: non-http(s) schemes, userinfo, fragments and relative forms.
// Plain http is only allowed for loopback hosts.
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}
	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	if strings.Contains(uri[idx+3:], "@") || strings.Contains(uri, "#") {
		return false
	}

	u, err := url.Parse(uri)
	if err != nil || u.Host == "" || u.User != nil {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		return isLoopback(u.Hostname())
	default:
		return false
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
