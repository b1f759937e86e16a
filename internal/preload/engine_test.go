package preload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-cache/internal/notify"
	"github.com/any-hub/any-cache/internal/pagecache"
)

func TestRunCompletesAndCountsFailures(t *testing.T) {
	failing := map[string]bool{"/page-7/": true, "/page-42/": true, "/page-99/": true}
	f := newEngineFixture(t, pageURLs(100), nil)
	f.dispatch.fail = func(path string) bool { return failing[path] }

	result, err := f.engine.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, result.Phase)
	assert.Equal(t, 100, result.Total)
	assert.Equal(t, 100, result.Processed)
	assert.Equal(t, 3, result.Failed)
	assert.Equal(t, 100.0, result.ProgressPercent)
	assert.Equal(t, 100, f.dispatch.count())

	_, exists, err := f.states.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, exists, "state must be cleared after completion")

	last, ok, err := f.states.LastResult(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, result.PreloadID, last.PreloadID)
	assert.Equal(t, PhaseCompleted, last.Phase)
	assert.Equal(t, 100.0, last.ProgressPercent)

	assert.Equal(t, []string{notify.KindPreloadCompleted}, eventKinds(f.recorder.Events()))
	assert.Contains(t, f.logs.String(), "preload_url_failed")
}

func TestDispatchUsesPreloadMarker(t *testing.T) {
	f := newEngineFixture(t, []string{"https://example.com/a/?page=2"}, nil)

	_, err := f.engine.Run(context.Background(), "")
	require.NoError(t, err)

	require.Equal(t, 1, f.dispatch.count())
	req := f.dispatch.requests[0]
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "1", req.URL.Query().Get(pagecache.MarkerParam))
	assert.Equal(t, "2", req.URL.Query().Get("page"))
	assert.Equal(t, pagecache.PreloadUserAgent, req.Header.Get("User-Agent"))
}

func TestSourceDefaultsToConfiguredSitemaps(t *testing.T) {
	f := newEngineFixture(t, pageURLs(1), func(o *Options) {
		o.Sitemaps = []string{"https://example.com/a.xml", "https://example.com/b.xml"}
	})

	result, err := f.engine.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a.xml,https://example.com/b.xml", result.Source)
	require.Len(t, f.source.calls, 1)
	assert.Equal(t, []string{"https://example.com/a.xml", "https://example.com/b.xml"}, f.source.calls[0])

	_, err = f.engine.Run(context.Background(), " https://example.com/other.xml ")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/other.xml"}, f.source.calls[1])
}

func TestSecondStartFailsWhileActive(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, pageURLs(3), nil)

	first, err := f.engine.Begin(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "job-1", first.PreloadID)
	assert.Equal(t, PhaseStarting, first.Phase)
	assert.True(t, first.IsPreloading)

	_, err = f.engine.Start(ctx, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInProgress))
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "job-1", perr.PreloadID)

	st, ok, err := f.states.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", st.PreloadID, "the active id must not change")
	assert.Zero(t, f.dispatch.count())
}

func TestStartRunsInBackground(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, pageURLs(5), nil)

	st, err := f.engine.Start(ctx, "")
	require.NoError(t, err)
	f.engine.Wait()

	assert.Equal(t, 5, f.dispatch.count())
	status, err := f.engine.Status(ctx, st.PreloadID)
	require.NoError(t, err)
	assert.Nil(t, status.State)
	assert.False(t, status.Active)
	assert.False(t, status.Current)
	require.NotNil(t, status.Last)
	assert.Equal(t, st.PreloadID, status.Last.PreloadID)
	assert.Equal(t, PhaseCompleted, status.Last.Phase)

	// 完成后可以再次启动。
	next, err := f.engine.Start(ctx, "")
	require.NoError(t, err)
	f.engine.Wait()
	assert.NotEqual(t, st.PreloadID, next.PreloadID)
}

func TestStatusReportsCurrentToken(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, pageURLs(1), nil)

	st, err := f.engine.Begin(ctx, "")
	require.NoError(t, err)

	status, err := f.engine.Status(ctx, st.PreloadID)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.True(t, status.Current)

	status, err = f.engine.Status(ctx, "stale-token")
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.False(t, status.Current)

	status, err = f.engine.Status(ctx, "")
	require.NoError(t, err)
	assert.False(t, status.Current)
}

func TestCancelStopsBeforeNextDispatch(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, pageURLs(20), nil)
	f.dispatch.hook = func(n int) {
		if n == 5 {
			canceled, err := f.engine.Cancel(ctx)
			assert.NoError(t, err)
			assert.True(t, canceled)
		}
	}

	result, err := f.engine.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, PhaseCanceled, result.Phase)
	assert.Equal(t, 5, f.dispatch.count(), "in-flight request finishes, later ones are skipped")

	_, exists, err := f.states.Load(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	last, ok, err := f.states.LastResult(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PhaseCanceled, last.Phase)
	assert.Equal(t, 4, last.Processed)

	assert.Equal(t, []string{notify.KindPreloadCanceled}, eventKinds(f.recorder.Events()))
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, pageURLs(1), nil)

	canceled, err := f.engine.Cancel(ctx)
	require.NoError(t, err)
	assert.False(t, canceled, "nothing to cancel")

	_, err = f.engine.Begin(ctx, "")
	require.NoError(t, err)

	canceled, err = f.engine.Cancel(ctx)
	require.NoError(t, err)
	assert.True(t, canceled)

	canceled, err = f.engine.Cancel(ctx)
	require.NoError(t, err)
	assert.False(t, canceled)
	assert.Len(t, f.recorder.Events(), 1)
}

func TestCrawlFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, nil, nil)
	f.source.err = errors.New("sitemap unreachable")

	result, err := f.engine.Run(ctx, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCrawl))
	assert.True(t, errors.Is(err, ErrPreload))
	assert.Equal(t, PhaseFailed, result.Phase)
	assert.Contains(t, result.Error, "sitemap unreachable")

	_, exists, err := f.states.Load(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, []string{notify.KindPreloadFailed}, eventKinds(f.recorder.Events()))
}

func TestEmptySitemapCompletes(t *testing.T) {
	f := newEngineFixture(t, nil, nil)

	result, err := f.engine.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, result.Phase)
	assert.Zero(t, result.Total)
}

func TestRestartResumesFromWatermark(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, pageURLs(10), nil)

	st, err := f.engine.Begin(ctx, "")
	require.NoError(t, err)
	st, err = f.states.Update(ctx, func(cur *State, _ bool) bool {
		// 并发执行时 page-8 先于 page-7 完成。
		cur.Processed = 7
		cur.ResumeFrom = 6
		cur.Retries = 1
		return true
	})
	require.NoError(t, err)

	restarted, err := f.engine.Restart(ctx, st)
	require.NoError(t, err)
	f.engine.Wait()

	assert.NotEqual(t, st.PreloadID, restarted.PreloadID)
	assert.Equal(t, 1, restarted.Retries)
	assert.Equal(t, 4, f.dispatch.count())
	assert.Equal(t, "/page-7/", f.dispatch.requests[0].URL.Path)

	last, ok, err := f.states.LastResult(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, restarted.PreloadID, last.PreloadID)
	assert.Equal(t, 10, last.Processed)
	assert.Equal(t, 1, last.Retries)
}

func TestOutOfOrderCompletionHoldsWatermark(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, pageURLs(4), func(o *Options) { o.Concurrency = 2 })
	release := make(chan struct{})
	f.dispatch.onPath = func(path string) {
		if path == "/page-1/" {
			<-release
		}
	}

	_, err := f.engine.Start(ctx, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, ok, err := f.states.Load(ctx)
		return err == nil && ok && cur.Processed == 3
	}, 2*time.Second, 5*time.Millisecond)

	cur, _, err := f.states.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cur.ResumeFrom, "page-1 仍在处理中，续跑必须从头开始")

	close(release)
	f.engine.Wait()

	last, ok, err := f.states.LastResult(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PhaseCompleted, last.Phase)
	assert.Equal(t, 4, last.Processed)
}

func TestWatermarkAdvancesOverContiguousPrefix(t *testing.T) {
	w := &watermark{base: 2, done: make([]bool, 4)}
	assert.Equal(t, 2, w.complete(1))
	assert.Equal(t, 2, w.complete(3))
	assert.Equal(t, 4, w.complete(0))
	assert.Equal(t, 6, w.complete(2))
}

func TestSupersededRunExitsSilently(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, pageURLs(10), nil)

	st, err := f.engine.Begin(ctx, "")
	require.NoError(t, err)
	f.dispatch.hook = func(n int) {
		if n == 2 {
			_, err := f.states.Update(ctx, func(cur *State, _ bool) bool {
				cur.PreloadID = "replacement"
				return true
			})
			assert.NoError(t, err)
		}
	}

	result, err := f.engine.Execute(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, PhaseCanceled, result.Phase)
	assert.Equal(t, 2, f.dispatch.count())
	assert.Empty(t, f.recorder.Events())

	cur, ok, err := f.states.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "replacement", cur.PreloadID)
}

func TestBoundedConcurrencyAndDelay(t *testing.T) {
	f := newEngineFixture(t, pageURLs(8), func(o *Options) {
		o.Concurrency = 3
		o.Delay = time.Millisecond
	})
	f.dispatch.fail = hasPathPrefix("/page-8")

	result, err := f.engine.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 8, result.Processed)
	assert.Equal(t, 1, result.Failed)
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 100.0, percent(0, 0))
	assert.Equal(t, 50.0, percent(5, 10))
	assert.Equal(t, 100.0, percent(11, 10))
}

func TestNewEngineValidatesOptions(t *testing.T) {
	_, err := NewEngine(Options{})
	require.Error(t, err)
}

func TestCloseLeavesStateForResume(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, pageURLs(10), nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.dispatch.hook = func(n int) {
		if n == 3 {
			close(entered)
			<-release
		}
	}

	st, err := f.engine.Start(ctx, "")
	require.NoError(t, err)
	<-entered
	f.engine.stop()
	close(release)
	f.engine.Close()

	assert.Equal(t, 3, f.dispatch.count())
	cur, ok, err := f.states.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok, "state survives shutdown so the monitor can resume it")
	assert.Equal(t, st.PreloadID, cur.PreloadID)
	assert.True(t, cur.IsPreloading)
	assert.Equal(t, 3, cur.Processed)
	assert.Equal(t, 3, cur.ResumeFrom)
	assert.Empty(t, f.recorder.Events())
}
