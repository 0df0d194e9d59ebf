// Package enginerr defines the sentinel error taxonomy the download engine
// surfaces to its host, so callers can errors.Is/errors.As instead of
// matching on string text.
package enginerr

import (
	"errors"
	"fmt"
)

// Sentinel errors matching the fatal conditions in the error taxonomy.
// Retryable per-connection errors (Resolve, Connect, IoTimeout) are wrapped
// around these where useful, but most retry decisions only need to know
// "this connection failed", not which sentinel caused it.
var (
	ErrBadUrl               = errors.New("bad url")
	ErrResolve              = errors.New("dns resolution failed")
	ErrConnect              = errors.New("connect failed")
	ErrRangeUnsupported     = errors.New("server ignored range request")
	ErrIoTimeout            = errors.New("i/o timeout")
	ErrFileIo               = errors.New("local file i/o failed")
	ErrNoStateCannotResume  = errors.New("output exists but no resumable state file was found")
	ErrAlreadyComplete      = errors.New("output already exists and no_clobber is set")
	ErrAllConnectionsFailed = errors.New("all connections exhausted their retries and alternates")
)

// TransportError reports an HTTP status other than 200/206 (an unfollowed
// 3xx redirect included) or a negative FTP reply.
type TransportError struct {
	// Status is the HTTP status code, or the FTP reply code, whichever
	// protocol produced the error.
	Status int
	Detail string
}

func (e *TransportError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("transport error %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("transport error %d", e.Status)
}

// Retryable reports whether the coordinator should rotate to an alternate
// URL rather than treat the failure as fatal. 4xx client errors other than
// 408/429 are not worth retrying against the same URL but the pool may still
// have alternates, so this is advisory only.
func (e *TransportError) Retryable() bool {
	return e.Status >= 500 || e.Status == 408 || e.Status == 429
}
