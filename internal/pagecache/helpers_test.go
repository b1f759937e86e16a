package pagecache

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/lock"
	"github.com/any-hub/any-cache/internal/meta"
	"github.com/any-hub/any-cache/internal/notify"
	"github.com/any-hub/any-cache/internal/storage"
)

const pageHTML = `<html><head><title>Home</title><meta name="keywords" content="blog"></head><body>hello</body></html>`

type fixture struct {
	pipeline *Pipeline
	pages    *faultyStorage
	metaKV   *faultyStorage
	metas    *meta.Repository
	locks    *lock.Manager
	origin   *countingOrigin
	recorder *notify.Recorder
	logs     *bytes.Buffer
	now      time.Time
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	backend := storage.NewMemoryBackend()
	f := &fixture{
		pages:    &faultyStorage{Storage: storage.New(backend, "page")},
		locks:    lock.NewManager(),
		origin:   &countingOrigin{status: http.StatusOK, contentType: "text/html; charset=UTF-8", body: pageHTML},
		recorder: notify.NewRecorder(0),
		logs:     &bytes.Buffer{},
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.metaKV = &faultyStorage{Storage: storage.New(backend, "meta")}
	f.metas = meta.NewRepository(f.metaKV, meta.DefaultCollection(time.Hour))

	logger := logrus.New()
	logger.SetOutput(f.logs)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})

	opts := Options{
		Pages:              f.pages,
		Metas:              f.metas,
		Locker:             f.locks,
		Origin:             f.origin,
		Logger:             logger,
		Notifier:           f.recorder,
		TTL:                time.Hour,
		LockTimeout:        20 * time.Millisecond,
		MaxBodySize:        1 << 20,
		DefaultHost:        "example.com",
		IgnoredQueryParams: []string{"utm_*", "fbclid"},
		BypassCookies:      []string{"wordpress_logged_in_"},
		ExcludedPaths:      []string{"/wp-admin"},
		Now:                func() time.Time { return f.now },
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	f.pipeline = p
	return f
}

func (f *fixture) get(t *testing.T, rawURL string) *Response {
	t.Helper()
	return f.do(t, http.MethodGet, rawURL, nil)
}

func (f *fixture) do(t *testing.T, method, rawURL string, header http.Header) *Response {
	t.Helper()
	req, err := NewRequest(method, rawURL)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.pipeline.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	return resp
}

type countingOrigin struct {
	mu          sync.Mutex
	calls       int32
	status      int
	contentType string
	body        string
	header      http.Header
	lastURL     string
	hook        func()
}

func (o *countingOrigin) Generate(ctx context.Context, req *Request) (*Response, error) {
	atomic.AddInt32(&o.calls, 1)
	o.mu.Lock()
	o.lastURL = req.URL.String()
	hook := o.hook
	o.mu.Unlock()
	if hook != nil {
		hook()
	}
	header := http.Header{}
	for k, v := range o.header {
		header[k] = v
	}
	if o.contentType != "" {
		header.Set("Content-Type", o.contentType)
	}
	return &Response{Status: o.status, Header: header, Body: []byte(o.body)}, nil
}

func (o *countingOrigin) Calls() int {
	return int(atomic.LoadInt32(&o.calls))
}

func (o *countingOrigin) LastURL() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastURL
}

// faultyStorage 包装真实存储，可按需注入读写错误。
type faultyStorage struct {
	storage.Storage
	getErr error
	setErr error
	gets   int32
	sets   int32
}

func (s *faultyStorage) Get(ctx context.Context, key any, dest any) error {
	atomic.AddInt32(&s.gets, 1)
	if s.getErr != nil {
		return s.getErr
	}
	return s.Storage.Get(ctx, key, dest)
}

func (s *faultyStorage) Set(ctx context.Context, key any, value any, ttl time.Duration) error {
	atomic.AddInt32(&s.sets, 1)
	if s.setErr != nil {
		return s.setErr
	}
	return s.Storage.Set(ctx, key, value, ttl)
}

func (s *faultyStorage) Gets() int {
	return int(atomic.LoadInt32(&s.gets))
}

func (s *faultyStorage) Sets() int {
	return int(atomic.LoadInt32(&s.sets))
}
