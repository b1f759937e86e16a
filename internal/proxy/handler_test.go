package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/lock"
	"github.com/any-hub/any-cache/internal/meta"
	"github.com/any-hub/any-cache/internal/pagecache"
	"github.com/any-hub/any-cache/internal/server"
	"github.com/any-hub/any-cache/internal/storage"
)

const pageBody = `<html><head><title>Hello</title></head><body>hi</body></html>`

type upstreamStub struct {
	hits    atomic.Int32
	lastReq atomic.Pointer[http.Request]
	server  *httptest.Server
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)
		stub.lastReq.Store(r.Clone(context.Background()))
		switch r.URL.Path {
		case "/moved":
			http.Redirect(w, r, "/blog/", http.StatusMovedPermanently)
		case "/form":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write(append([]byte("echo:"), body...))
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Connection", "close")
			_, _ = io.WriteString(w, pageBody)
		}
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

type proxyFixture struct {
	app      *fiber.App
	upstream *upstreamStub
	logs     *bytes.Buffer
	pipeline *pagecache.Pipeline
}

func newProxyFixture(t *testing.T, processor Processor) *proxyFixture {
	t.Helper()
	stub := newUpstreamStub(t)
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Origin: config.OriginConfig{Upstream: stub.server.URL, Domain: "www.example.com"},
	}
	sites, err := server.NewSiteTable(cfg)
	if err != nil {
		t.Fatalf("site table: %v", err)
	}

	logs := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(logs)
	logger.SetFormatter(&logrus.JSONFormatter{})

	var pipeline *pagecache.Pipeline
	if processor == nil {
		backend := storage.NewMemoryBackend()
		pipeline, err = pagecache.New(pagecache.Options{
			Pages:       storage.New(backend, "page"),
			Metas:       meta.NewRepository(storage.New(backend, "meta"), meta.DefaultCollection(time.Hour)),
			Locker:      lock.NewManager(),
			Origin:      NewOrigin(server.NewUpstreamClient(cfg), logger, sites.Site()),
			Logger:      logger,
			TTL:         time.Hour,
			LockTimeout: time.Second,
			MaxBodySize: 1 << 20,
			DefaultHost: sites.Site().Host,
			Aliases:     sites.Hosts(),
			Scheme:      "https",

			IgnoredQueryParams: []string{"utm_*"},
		})
		if err != nil {
			t.Fatalf("pipeline: %v", err)
		}
		processor = pipeline
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Sites:      sites,
		Pages:      NewHandler(processor, logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return &proxyFixture{app: app, upstream: stub, logs: logs, pipeline: pipeline}
}

func (f *proxyFixture) do(t *testing.T, method, target string, body io.Reader, mutate func(*http.Request)) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	req.Host = "www.example.com"
	if mutate != nil {
		mutate(req)
	}
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func TestHandlerMissThenHit(t *testing.T) {
	f := newProxyFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "http://www.example.com/blog/", nil, nil)
	if resp.StatusCode != http.StatusOK || body != pageBody {
		t.Fatalf("unexpected miss response %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get(pagecache.HeaderStatus); got != pagecache.StatusMiss {
		t.Fatalf("expected MISS, got %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	resp, body = f.do(t, http.MethodGet, "http://www.example.com/blog/?utm_source=mail", nil, nil)
	if got := resp.Header.Get(pagecache.HeaderStatus); got != pagecache.StatusHit {
		t.Fatalf("expected HIT, got %q", got)
	}
	if body != pageBody {
		t.Fatalf("unexpected cached body %q", body)
	}
	if resp.Header.Get(pagecache.HeaderFingerprint) == "" {
		t.Fatalf("expected fingerprint header on hit")
	}
	if hits := f.upstream.hits.Load(); hits != 1 {
		t.Fatalf("expected one upstream hit, got %d", hits)
	}
	if !strings.Contains(f.logs.String(), "page_complete") {
		t.Fatalf("expected page_complete log, got %s", f.logs.String())
	}
}

func TestHandlerForwardsHeadersToOrigin(t *testing.T) {
	f := newProxyFixture(t, nil)

	f.do(t, http.MethodGet, "http://www.example.com/about", nil, func(r *http.Request) {
		r.Header.Set("X-Forwarded-Proto", "https")
		r.Header.Set("Accept-Encoding", "gzip")
	})

	got := f.upstream.lastReq.Load()
	if got == nil {
		t.Fatalf("upstream not called")
	}
	if got.Header.Get("X-Forwarded-Host") != "www.example.com" {
		t.Fatalf("expected X-Forwarded-Host, got %q", got.Header.Get("X-Forwarded-Host"))
	}
	if got.Header.Get("X-Forwarded-Proto") != "https" {
		t.Fatalf("expected forwarded proto https, got %q", got.Header.Get("X-Forwarded-Proto"))
	}
	if got.Header.Get("X-Forwarded-For") == "" {
		t.Fatalf("expected X-Forwarded-For")
	}
	if got.URL.Path != "/about" {
		t.Fatalf("unexpected upstream path %q", got.URL.Path)
	}
}

func TestHandlerBypassesPostAndKeepsBody(t *testing.T) {
	f := newProxyFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "http://www.example.com/form", strings.NewReader("a=1"), nil)
	if resp.Header.Get(pagecache.HeaderStatus) != pagecache.StatusBypass {
		t.Fatalf("expected BYPASS, got %q", resp.Header.Get(pagecache.HeaderStatus))
	}
	if body != "echo:a=1" {
		t.Fatalf("expected body to be forwarded, got %q", body)
	}
}

func TestHandlerPassesRedirectThrough(t *testing.T) {
	f := newProxyFixture(t, nil)

	resp, _ := f.do(t, http.MethodGet, "http://www.example.com/moved", nil, nil)
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/blog/" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestHandlerHeadOmitsBody(t *testing.T) {
	f := newProxyFixture(t, nil)

	resp, body := f.do(t, http.MethodHead, "http://www.example.com/blog/", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != "" {
		t.Fatalf("expected empty body for HEAD, got %q", body)
	}
}

type failingProcessor struct {
	err   error
	panic bool
}

func (p failingProcessor) Process(context.Context, *pagecache.Request) (*pagecache.Response, error) {
	if p.panic {
		panic("boom")
	}
	return nil, p.err
}

func TestHandlerOriginFailure(t *testing.T) {
	f := newProxyFixture(t, failingProcessor{err: errors.New("dial tcp: refused")})

	resp, body := f.do(t, http.MethodGet, "http://www.example.com/", nil, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed, got %s", body)
	}
	if !strings.Contains(f.logs.String(), "page_failed") {
		t.Fatalf("expected page_failed log")
	}
}

func TestHandlerRecoversPanics(t *testing.T) {
	f := newProxyFixture(t, failingProcessor{panic: true})

	resp, body := f.do(t, http.MethodGet, "http://www.example.com/", nil, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "page_handler_panic") {
		t.Fatalf("expected page_handler_panic, got %s", body)
	}
}

func TestResolveUpstreamURLKeepsTrailingSlash(t *testing.T) {
	o := &Origin{upstream: mustParse(t, "http://origin.internal:8080/")}
	cases := map[string]string{
		"/blog/":       "http://origin.internal:8080/blog/",
		"/a/../b":      "http://origin.internal:8080/b",
		"/p?x=1":       "http://origin.internal:8080/p?x=1",
		"":             "http://origin.internal:8080/",
		"/double//sl/": "http://origin.internal:8080/double/sl/",
	}
	for in, want := range cases {
		got := o.resolveUpstreamURL(mustParse(t, in)).String()
		if got != want {
			t.Fatalf("resolve %q: expected %s, got %s", in, want, got)
		}
	}
}

func TestPreloadedPageIsServedToVisitors(t *testing.T) {
	testCases := []struct {
		name    string
		preload func(stub *upstreamStub) string
		mutate  func(*http.Request)
	}{
		{
			name:    "sitemap names the upstream host",
			preload: func(stub *upstreamStub) string { return stub.server.URL + "/about/" },
		},
		{
			name:    "https sitemap, plain http from the edge",
			preload: func(*upstreamStub) string { return "https://www.example.com/about/" },
		},
		{
			name:    "http sitemap, forwarded https",
			preload: func(*upstreamStub) string { return "http://www.example.com/about/" },
			mutate:  func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "https") },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newProxyFixture(t, nil)

			req, err := pagecache.NewRequest(http.MethodGet, tc.preload(f.upstream)+"?"+pagecache.MarkerParam+"=1")
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			req.Header.Set("User-Agent", pagecache.PreloadUserAgent)
			warm, err := f.pipeline.Process(context.Background(), req)
			if err != nil {
				t.Fatalf("preload request failed: %v", err)
			}
			if got := warm.Header.Get(pagecache.HeaderStatus); got != pagecache.StatusPreload {
				t.Fatalf("expected PRELOAD, got %q", got)
			}

			resp, body := f.do(t, http.MethodGet, "http://www.example.com/about/", nil, tc.mutate)
			if got := resp.Header.Get(pagecache.HeaderStatus); got != pagecache.StatusHit {
				t.Fatalf("visitor should hit the preloaded entry, got %q", got)
			}
			if body != pageBody {
				t.Fatalf("unexpected body %q", body)
			}
			if hits := f.upstream.hits.Load(); hits != 1 {
				t.Fatalf("expected a single upstream call, got %d", hits)
			}
		})
	}
}
