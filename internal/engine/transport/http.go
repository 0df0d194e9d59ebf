package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ctdl/dget/internal/engine/enginerr"
	"github.com/ctdl/dget/internal/engine/resource"
)

// defaultUserAgent keeps bare downloads looking like an ordinary browser
// request to picky origins.
const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) dget/1.0"

type httpClient struct {
	url    *resource.URL
	opts   Options
	client *http.Client
	body   io.ReadCloser
}

func newHTTPClient(u *resource.URL, opts Options) *httpClient {
	transport := &http.Transport{
		Proxy:               opts.proxyFunc(),
		DialContext:         dialContextFor(opts),
		TLSClientConfig:     opts.tlsConfig(u.Host),
		DisableCompression:  true,
		ForceAttemptHTTP2:   false, // explicitly HTTP/1.1: parallel ranged connections, not multiplexing (non-goal: no HTTP/2)
		MaxConnsPerHost:     0,
		IdleConnTimeout:     90 * time.Second,
		ResponseHeaderTimeout: timeoutOrDefault(opts),
	}

	// By default a 3xx is returned as-is so Open reports it as a
	// TransportError; only the probe opts in to following the chain.
	checkRedirect := func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if opts.FollowRedirects {
		redirects := opts.MaxRedirect
		checkRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) > redirects {
				return fmt.Errorf("%w: exceeded %d redirects", enginerr.ErrConnect, redirects)
			}
			return nil
		}
	}
	client := &http.Client{
		Transport:     transport,
		CheckRedirect: checkRedirect,
	}

	return &httpClient{url: u, opts: opts, client: client}
}

func (c *httpClient) Open(ctx context.Context, start, end int64) (OpenResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url.Reconstruct(), nil)
	if err != nil {
		return OpenResult{}, fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
	}

	if end == NoUpperBound {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}

	ua := c.opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	for k, v := range c.opts.ExtraHeaders {
		req.Header.Set(k, v)
	}
	if c.url.User != "" {
		req.SetBasicAuth(c.url.User, c.url.Pass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return OpenResult{}, wrapDialError(err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		c.body = resp.Body
		return OpenResult{Supported: true, TotalSize: parseContentRangeTotal(resp.Header.Get("Content-Range"))}, nil

	case http.StatusOK:
		c.body = resp.Body
		return OpenResult{Supported: false, TotalSize: resp.ContentLength}, nil

	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return OpenResult{}, &enginerr.TransportError{Status: resp.StatusCode, Detail: "range not satisfiable"}

	default:
		resp.Body.Close()
		return OpenResult{}, &enginerr.TransportError{Status: resp.StatusCode}
	}
}

func (c *httpClient) Read(p []byte) (int, error) {
	if c.body == nil {
		return 0, fmt.Errorf("%w: read before open", enginerr.ErrConnect)
	}
	return c.body.Read(p)
}

func (c *httpClient) Close() error {
	if c.body == nil {
		return nil
	}
	return c.body.Close()
}

// parseContentRangeTotal extracts total from "bytes start-end/total". A
// "*" total (size unknown to the server) yields -1.
func parseContentRangeTotal(cr string) int64 {
	idx := strings.LastIndexByte(cr, '/')
	if idx < 0 || idx+1 >= len(cr) {
		return -1
	}
	totalStr := cr[idx+1:]
	if totalStr == "*" {
		return -1
	}
	n, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
