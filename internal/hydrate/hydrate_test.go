package hydrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/weaver-run/weaver/internal/fetch"
	"github.com/weaver-run/weaver/internal/robots"
	"github.com/weaver-run/weaver/internal/runstate"
)

func newFetcher() *fetch.Client {
	return &fetch.Client{HTTPClient: &http.Client{Timeout: 2 * time.Second}, MaxAttempts: 1, UserAgent: "weaver-test"}
}

func TestHydrateFillsSparseExcerpt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Full</title></head><body><article><p>This is the full body text of the article.</p></article></body></html>`))
	}))
	defer srv.Close()

	h := New(newFetcher(), nil, nil)
	sources := []runstate.Source{{SourceID: "1", URL: srv.URL, Excerpt: "short"}}
	h.Hydrate(context.Background(), nil, sources, Options{Enabled: true, SparseThreshold: 100, Concurrency: 2})

	if !sources[0].Hydrated {
		t.Fatalf("expected source to be hydrated")
	}
	if sources[0].Excerpt == "short" {
		t.Fatalf("expected excerpt to be replaced with full text")
	}
	if sources[0].Title != "Full" {
		t.Fatalf("expected title to be filled from document, got %q", sources[0].Title)
	}
}

func TestHydrateFillsSparseExcerptFromPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("This is the full plain-text body of the page.\n\n\nWith extra blank lines."))
	}))
	defer srv.Close()

	h := New(newFetcher(), nil, nil)
	sources := []runstate.Source{{SourceID: "1", URL: srv.URL, Excerpt: "short"}}
	h.Hydrate(context.Background(), nil, sources, Options{Enabled: true, SparseThreshold: 100, Concurrency: 2})

	if !sources[0].Hydrated {
		t.Fatalf("expected a text/plain source to be hydrated instead of skipped")
	}
	if sources[0].Excerpt == "short" {
		t.Fatalf("expected excerpt to be replaced with the plain-text body")
	}
}

func TestHydrateSkipsNonTextContentTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 binary data"))
	}))
	defer srv.Close()

	h := New(newFetcher(), nil, nil)
	sources := []runstate.Source{{SourceID: "1", URL: srv.URL, Excerpt: "short"}}
	h.Hydrate(context.Background(), nil, sources, Options{Enabled: true, SparseThreshold: 100, Concurrency: 2})

	if sources[0].Hydrated {
		t.Fatalf("expected a non-text content type to be left unhydrated")
	}
}

func TestHydrateSkipsWhenDisabled(t *testing.T) {
	h := New(newFetcher(), nil, nil)
	sources := []runstate.Source{{SourceID: "1", URL: "http://example.invalid", Excerpt: "short"}}
	h.Hydrate(context.Background(), nil, sources, Options{Enabled: false})
	if sources[0].Hydrated {
		t.Fatalf("expected no hydration when disabled")
	}
}

func TestHydrateSkipsAboveThreshold(t *testing.T) {
	h := New(newFetcher(), nil, nil)
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	sources := []runstate.Source{{SourceID: "1", URL: "http://example.invalid", Excerpt: string(long)}}
	h.Hydrate(context.Background(), nil, sources, Options{Enabled: true, SparseThreshold: 10})
	if sources[0].Hydrated {
		t.Fatalf("expected source above threshold to be left alone")
	}
}

func TestHydrateRespectsRobotsDisallow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><p>should not be fetched content</p></body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rm := &robots.Manager{HTTPClient: &http.Client{Timeout: 2 * time.Second}, AllowPrivateHosts: true}
	h := New(newFetcher(), rm, nil)
	sources := []runstate.Source{{SourceID: "1", URL: srv.URL + "/page", Excerpt: "short"}}
	h.Hydrate(context.Background(), nil, sources, Options{Enabled: true, SparseThreshold: 100, RespectRobots: true})

	if sources[0].Hydrated {
		t.Fatalf("expected robots disallow to block hydration")
	}
}
