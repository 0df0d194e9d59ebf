package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ctdl/dget/internal/engine/enginerr"
	"github.com/ctdl/dget/internal/engine/resource"
)

func rangedOrigin(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-0/%d", len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[:1])
	}))
}

func TestProbeFollowsRedirectChain(t *testing.T) {
	body := []byte("payload")
	origin := rangedOrigin(t, body)
	defer origin.Close()
	redirector := httptest.NewServer(http.RedirectHandler(origin.URL, http.StatusFound))
	defer redirector.Close()

	u, err := resource.Parse(redirector.URL)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	c := New(u, Options{FollowRedirects: true, MaxRedirect: 5})
	defer c.Close()

	res, err := c.Open(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("expected probe to follow the redirect, got %v", err)
	}
	if !res.Supported || res.TotalSize != int64(len(body)) {
		t.Errorf("expected supported range with total %d, got %+v", len(body), res)
	}
}

func TestWorkerSurfacesRedirectAsTransportError(t *testing.T) {
	origin := rangedOrigin(t, []byte("payload"))
	defer origin.Close()
	redirector := httptest.NewServer(http.RedirectHandler(origin.URL, http.StatusFound))
	defer redirector.Close()

	u, err := resource.Parse(redirector.URL)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	c := New(u, Options{MaxRedirect: 5}) // worker client: no redirect following
	defer c.Close()

	_, err = c.Open(context.Background(), 0, 0)
	var te *enginerr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected a TransportError for the unfollowed redirect, got %v", err)
	}
	if te.Status != http.StatusFound {
		t.Errorf("expected status %d, got %d", http.StatusFound, te.Status)
	}
}
