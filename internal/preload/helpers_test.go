package preload

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/notify"
	"github.com/any-hub/any-cache/internal/pagecache"
	"github.com/any-hub/any-cache/internal/storage"
)

type staticSource struct {
	urls []string
	err  error

	mu    sync.Mutex
	calls [][]string
}

func (s *staticSource) Crawl(_ context.Context, sources []string) ([]string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string(nil), sources...))
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]string(nil), s.urls...), nil
}

// fakeDispatcher 记录收到的请求，fail 返回 true 的 URL 以 500 响应。
type fakeDispatcher struct {
	mu       sync.Mutex
	requests []*pagecache.Request
	fail     func(path string) bool
	hook     func(n int)
	// onPath 在处理请求前以路径回调，可用于阻塞指定页面。
	onPath func(path string)
}

func (d *fakeDispatcher) Process(_ context.Context, req *pagecache.Request) (*pagecache.Response, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	n := len(d.requests)
	hook, onPath := d.hook, d.onPath
	d.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if onPath != nil {
		onPath(req.URL.Path)
	}
	if d.fail != nil && d.fail(req.URL.Path) {
		return &pagecache.Response{Status: http.StatusInternalServerError, Header: http.Header{}}, nil
	}
	h := http.Header{}
	h.Set(pagecache.HeaderStatus, pagecache.StatusPreload)
	return &pagecache.Response{Status: http.StatusOK, Header: h, Body: []byte("ok")}, nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type engineFixture struct {
	engine   *Engine
	states   *StateStore
	source   *staticSource
	dispatch *fakeDispatcher
	recorder *notify.Recorder
	logs     *bytes.Buffer
	logger   *logrus.Logger
	ids      int
}

func newEngineFixture(t *testing.T, urls []string, mutate func(*Options)) *engineFixture {
	t.Helper()
	f := &engineFixture{
		states:   NewStateStore(storage.New(storage.NewMemoryBackend(), "preload")),
		source:   &staticSource{urls: urls},
		dispatch: &fakeDispatcher{},
		recorder: notify.NewRecorder(0),
		logs:     &bytes.Buffer{},
	}
	f.logger = logrus.New()
	f.logger.SetOutput(f.logs)
	f.logger.SetLevel(logrus.DebugLevel)
	f.logger.SetFormatter(&logrus.JSONFormatter{})

	opts := Options{
		States:      f.states,
		Crawler:     f.source,
		Dispatcher:  f.dispatch,
		Logger:      f.logger,
		Notifier:    f.recorder,
		Sitemaps:    []string{"https://example.com/sitemap.xml"},
		Concurrency: 1,
		NewID: func() string {
			f.ids++
			return fmt.Sprintf("job-%d", f.ids)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	return f
}

func pageURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/page-%d/", i+1)
	}
	return urls
}

func eventKinds(events []notify.Event) []string {
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// fakeClock 是可手动推进的时钟。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func hasPathPrefix(prefix string) func(string) bool {
	return func(path string) bool { return strings.HasPrefix(path, prefix) }
}
