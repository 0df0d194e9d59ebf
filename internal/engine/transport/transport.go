// Package transport implements the per-connection protocol drivers: HTTP,
// HTTPS and FTP clients sharing one capability set (open a byte range,
// read a chunk, close), so the connection worker never needs to know which
// protocol it is driving.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ctdl/dget/internal/engine/enginerr"
	"github.com/ctdl/dget/internal/engine/resource"
)

// NoUpperBound is passed as end to Open to request "from start to EOF".
const NoUpperBound int64 = -1

// OpenResult reports what the peer told us about this range request.
type OpenResult struct {
	// Supported is true iff the peer confirmed it honored the requested
	// byte range (HTTP 206, or FTP REST accepted).
	Supported bool
	// TotalSize is the concrete resource size if known from this
	// response, or -1 if unknown. Only the probe connection's result is
	// authoritative for the engine's total size.
	TotalSize int64
}

// Client is the polymorphic capability set every transport variant
// implements: open a byte range, stream it, close.
type Client interface {
	// Open issues the ranged request for [start, end]. end ==
	// NoUpperBound means "through EOF".
	Open(ctx context.Context, start, end int64) (OpenResult, error)
	// Read streams bytes from the currently open range.
	Read(p []byte) (int, error)
	// Close releases the underlying connection(s).
	Close() error
}

// AddressFamily constrains DNS resolution / dialing to IPv4-only, IPv6-only,
// or either.
type AddressFamily int

const (
	FamilyAny AddressFamily = iota
	FamilyV4
	FamilyV6
)

// Options carries everything a Client needs that is not part of the URL
// itself: timeouts, TLS policy, proxy routing, extra headers, and address
// family preference. One Options value is shared (read-only) by every
// connection's Client.
type Options struct {
	IOTimeout   time.Duration
	MaxRedirect int

	// FollowRedirects enables following HTTP 3xx chains, up to MaxRedirect
	// hops. Only the probe connection sets it: a redirect served to a
	// worker mid-download may point at a different resource instance, so
	// workers surface 3xx as a TransportError and let the coordinator
	// rotate to an alternate URL instead.
	FollowRedirects bool

	Family       AddressFamily
	Insecure     bool
	UserAgent    string
	ExtraHeaders map[string]string
	HTTPProxy    string
	FTPProxy     string
	NoProxyList  []string
}

// dialer returns a net.Dialer honoring IOTimeout as the connect deadline.
// It does no address-family filtering itself; callers pick the family by
// passing network() as the dial network.
func (o Options) dialer() *net.Dialer {
	d := &net.Dialer{Timeout: o.IOTimeout}
	return d
}

func (o Options) tlsConfig(serverName string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: o.Insecure,
		ServerName:         serverName,
	}
}

// network returns the net.Dial network string ("tcp4"/"tcp6"/"tcp") for the
// configured address family.
func (o Options) network() string {
	switch o.Family {
	case FamilyV4:
		return "tcp4"
	case FamilyV6:
		return "tcp6"
	default:
		return "tcp"
	}
}

// proxyFunc builds the http.Transport proxy selector: engine configuration
// takes precedence over the process environment, and no_proxy_list exempts
// matching hosts. A socks5:// proxy is routed via dialContextFor instead,
// since net/http's Transport.Proxy only understands http(s) CONNECT proxies.
func (o Options) proxyFunc() func(*http.Request) (*url.URL, error) {
	p := o.HTTPProxy
	return func(req *http.Request) (*url.URL, error) {
		for _, h := range o.NoProxyList {
			if h == req.URL.Hostname() {
				return nil, nil
			}
		}
		if strings.HasPrefix(strings.ToLower(p), "socks5://") {
			return nil, nil
		}
		if p == "" {
			return http.ProxyFromEnvironment(req)
		}
		return url.Parse(p)
	}
}

// socksDialer builds a SOCKS5-proxied dialer out of proxyURL, or nil if
// proxyURL isn't a socks5:// URL.
func (o Options) socksDialer(proxyURL string) proxy.Dialer {
	if proxyURL == "" {
		return nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil || !strings.EqualFold(u.Scheme, "socks5") {
		return nil
	}
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, o.dialer())
	if err != nil {
		return nil
	}
	return d
}

// dialContextFor returns a DialContext func that forces the configured
// address family regardless of the network string http.Transport passes in.
// When HTTPProxy names a socks5:// endpoint, every dial is routed through it.
func dialContextFor(o Options) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if sd := o.socksDialer(o.HTTPProxy); sd != nil {
		if cd, ok := sd.(proxy.ContextDialer); ok {
			return cd.DialContext
		}
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			return sd.Dial(network, addr)
		}
	}

	d := o.dialer()
	forced := o.network()
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if forced != "tcp" {
			network = forced
		}
		return d.DialContext(ctx, network, addr)
	}
}

// dial opens one TCP connection to addr, honoring a socks5:// FTPProxy when
// configured (FTP's control and data connections both route through it).
func (o Options) dial(ctx context.Context, addr string) (net.Conn, error) {
	if sd := o.socksDialer(o.FTPProxy); sd != nil {
		if cd, ok := sd.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, o.network(), addr)
		}
		return sd.Dial(o.network(), addr)
	}
	return o.dialer().DialContext(ctx, o.network(), addr)
}

// wrapDialError distinguishes DNS resolution failures from plain connect
// failures so the coordinator's messages name the right stage.
func wrapDialError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", enginerr.ErrResolve, err)
	}
	return fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
}

func timeoutOrDefault(o Options) time.Duration {
	if o.IOTimeout > 0 {
		return o.IOTimeout
	}
	return 30 * time.Second
}

// New constructs the right Client variant for u.Scheme.
func New(u *resource.URL, opts Options) Client {
	switch u.Scheme {
	case resource.SchemeFTP:
		return newFTPClient(u, opts)
	default:
		return newHTTPClient(u, opts)
	}
}
