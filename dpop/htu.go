package dpop

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// NormalizeHTU reduces a URI to the form compared against the htu claim:
// query and fragment removed, scheme and host lowercased, default port dropped.
func NormalizeHTU(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", errors.New("htu must be an http or https URI")
	}
	if u.Host == "" {
		return "", errors.New("htu must be absolute")
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	switch {
	case port != "":
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, nil
}
