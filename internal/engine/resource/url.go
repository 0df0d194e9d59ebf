// Package resource implements the download engine's URL model: parsing a
// candidate URL into scheme/host/port/path/credentials and reconstructing
// it, for the http, https and ftp schemes only.
package resource

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/ctdl/dget/internal/engine/enginerr"
)

// Scheme is one of the three protocols the engine understands.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeFTP   Scheme = "ftp"
)

// DefaultPort returns the well-known port for s.
func (s Scheme) DefaultPort() int {
	switch s {
	case SchemeHTTP:
		return 80
	case SchemeHTTPS:
		return 443
	case SchemeFTP:
		return 21
	default:
		return 0
	}
}

// URL is the engine's decomposed view of a download target.
type URL struct {
	Scheme   Scheme
	Host     string
	Port     int // always concrete; DefaultPort() if the input omitted it
	User     string
	Pass     string
	Path     string // always starts with "/"
	RawQuery string
}

// Parse decomposes raw into a URL, tolerating a missing path and uppercase
// schemes. It rejects any scheme outside {http, https, ftp} with
// enginerr.ErrBadUrl. Credentials embedded in the authority
// (user[:pass]@host) are percent-decoded via net/url's own Userinfo
// handling rather than a hand-rolled decoder.
func Parse(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", enginerr.ErrBadUrl, err)
	}

	scheme := Scheme(strings.ToLower(u.Scheme))
	switch scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeFTP:
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", enginerr.ErrBadUrl, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", enginerr.ErrBadUrl)
	}

	host := u.Hostname()
	port := scheme.DefaultPort()
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("%w: invalid port %q", enginerr.ErrBadUrl, p)
		}
		port = n
	}

	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	return &URL{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		User:     user,
		Pass:     pass,
		Path:     path,
		RawQuery: u.RawQuery,
	}, nil
}

// Reconstruct rebuilds a URL string equivalent to the original input,
// normalized: lowercase scheme, default port omitted, credentials and path
// percent-encoded per RFC 3986 via net/url.
func (u *URL) Reconstruct() string {
	out := &url.URL{
		Scheme:   string(u.Scheme),
		Path:     u.Path,
		RawQuery: u.RawQuery,
	}

	host := u.Host
	if strings.Contains(host, ":") { // IPv6 literal
		host = "[" + host + "]"
	}
	if u.Port != 0 && u.Port != u.Scheme.DefaultPort() {
		host = net.JoinHostPort(stripBrackets(host), strconv.Itoa(u.Port))
	}
	out.Host = host

	if u.User != "" || u.Pass != "" {
		if u.Pass != "" {
			out.User = url.UserPassword(u.User, u.Pass)
		} else {
			out.User = url.User(u.User)
		}
	}

	return out.String()
}

func stripBrackets(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
}

// Authority returns "host:port" suitable for net.Dial.
func (u *URL) Authority() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// String implements fmt.Stringer via Reconstruct.
func (u *URL) String() string {
	return u.Reconstruct()
}
