// Package preload warms the page cache by crawling sitemaps and sending one
// synthetic request per discovered URL through the page cache pipeline. The
// persisted State is the only authority on whether a preload is active; the
// Monitor supervises it and restarts or terminates stalled jobs.
package preload

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/notify"
	"github.com/any-hub/any-cache/internal/pagecache"
)

// Dispatcher 处理一次合成请求，页面缓存管道满足该接口。
type Dispatcher interface {
	Process(ctx context.Context, req *pagecache.Request) (*pagecache.Response, error)
}

// URLSource 产出待预热的 URL 列表。
type URLSource interface {
	Crawl(ctx context.Context, sources []string) ([]string, error)
}

// Options 汇总引擎依赖。
type Options struct {
	States     *StateStore
	Crawler    URLSource
	Dispatcher Dispatcher
	Logger     *logrus.Logger
	Notifier   notify.Notifier

	Sitemaps       []string
	Delay          time.Duration
	Concurrency    int
	RequestTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}

// Engine 负责预热任务的启动、执行、取消与恢复。
type Engine struct {
	opts Options
	wg   sync.WaitGroup

	// runCtx 是后台任务的根 context，Close 时取消。
	runCtx context.Context
	stop   context.CancelFunc
}

// NewEngine 创建预热引擎。
func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.States == nil:
		return nil, errors.New("state store is required")
	case opts.Crawler == nil:
		return nil, errors.New("crawler is required")
	case opts.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	e := &Engine{opts: opts}
	e.runCtx, e.stop = context.WithCancel(context.Background())
	return e, nil
}

// Start 创建新的预热状态并在后台执行。source 为空时使用配置的 sitemap。
func (e *Engine) Start(ctx context.Context, source string) (State, error) {
	st, err := e.Begin(ctx, source)
	if err != nil {
		return st, err
	}
	e.spawn(ctx, st)
	return st, nil
}

// Run 同步执行一次完整的预热，供 CLI 使用。
func (e *Engine) Run(ctx context.Context, source string) (Result, error) {
	st, err := e.Begin(ctx, source)
	if err != nil {
		return Result{}, err
	}
	return e.Execute(ctx, st)
}

// Begin 完成 Idle -> Starting：已有进行中的任务时返回 ErrInProgress。
func (e *Engine) Begin(ctx context.Context, source string) (State, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		source = strings.Join(e.opts.Sitemaps, ",")
	}
	now := e.opts.Now()
	var conflict string
	st, err := e.opts.States.Update(ctx, func(st *State, exists bool) bool {
		if exists && st.IsPreloading {
			conflict = st.PreloadID
			return false
		}
		*st = State{
			IsPreloading: true,
			Source:       source,
			PreloadID:    e.opts.NewID(),
			StartedAt:    now,
			AttemptAt:    now,
			UpdatedAt:    now,
			Phase:        PhaseStarting,
		}
		return true
	})
	if err != nil {
		return st, &Error{Kind: KindDispatch, Err: err}
	}
	if conflict != "" {
		return st, &Error{Kind: KindInProgress, PreloadID: conflict}
	}
	e.opts.Logger.WithFields(logging.PreloadFields(st.PreloadID, st.Source)).Info("preload_started")
	return st, nil
}

// Restart 以新的 PreloadID 从上次的来源与进度继续执行，保留重试计数。
func (e *Engine) Restart(ctx context.Context, prev State) (State, error) {
	now := e.opts.Now()
	st, err := e.opts.States.Update(ctx, func(st *State, exists bool) bool {
		if exists {
			prev.Retries = st.Retries
			prev.CheckedAt = st.CheckedAt
			prev.CheckedPercent = st.CheckedPercent
		}
		*st = prev
		st.IsPreloading = true
		st.PreloadID = e.opts.NewID()
		st.Phase = PhaseStarting
		st.AttemptAt = now
		st.UpdatedAt = now
		return true
	})
	if err != nil {
		return st, &Error{Kind: KindDispatch, PreloadID: prev.PreloadID, Err: err}
	}
	e.opts.Logger.WithFields(logging.PreloadFields(st.PreloadID, st.Source)).
		WithFields(logrus.Fields{"retries": st.Retries, "resume_from": st.ResumeFrom, "previous_id": prev.PreloadID}).
		Warn("preload_restarted")
	e.spawn(ctx, st)
	return st, nil
}

// Cancel 清除当前状态，正在执行的任务会在下一次派发前停止。重复调用为 no-op。
func (e *Engine) Cancel(ctx context.Context) (bool, error) {
	st, cleared, err := e.opts.States.ClearIf(ctx, "")
	if err != nil || !cleared {
		return false, err
	}
	result := resultFrom(st, PhaseCanceled, e.opts.Now(), nil)
	if err := e.opts.States.SaveResult(ctx, result); err != nil {
		e.opts.Logger.WithError(err).WithFields(logging.PreloadFields(st.PreloadID, st.Source)).Warn("preload_result_write_failed")
	}
	e.opts.Logger.WithFields(logging.PreloadFields(st.PreloadID, st.Source)).Info("preload_canceled")
	e.opts.Notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindPreloadCanceled,
		Message: "preload canceled",
		Fields:  logging.PreloadFields(st.PreloadID, st.Source),
	})
	return true, nil
}

// Status 汇总当前状态与最近一次结果。
type Status struct {
	State  *State  `json:"state,omitempty" yaml:"state,omitempty"`
	Last   *Result `json:"last,omitempty" yaml:"last,omitempty"`
	Active bool    `json:"active" yaml:"active"`
	// Current 表示调用方持有的 preload_id 即为当前活动任务。
	Current bool `json:"current" yaml:"current"`
}

// Status 返回当前预热状态。token 为轮询方上次拿到的 preload_id，可为空。
func (e *Engine) Status(ctx context.Context, token string) (Status, error) {
	var out Status
	st, ok, err := e.opts.States.Load(ctx)
	if err != nil {
		return out, err
	}
	if ok {
		out.State = &st
		out.Active = st.IsPreloading
		out.Current = token != "" && st.IsPreloading && st.PreloadID == token
	}
	last, ok, err := e.opts.States.LastResult(ctx)
	if err != nil {
		return out, err
	}
	if ok {
		out.Last = &last
	}
	return out, nil
}

// Wait 等待所有后台任务退出。
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close 停止后台任务并等待其退出。状态保持不变，下次启动后由监控器续跑。
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// spawn 在后台执行任务；任务不随发起请求结束，只随 Close 停止。
func (e *Engine) spawn(_ context.Context, st State) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, _ = e.Execute(e.runCtx, st)
	}()
}

// Execute 完成 Starting -> Running -> 终态。爬取失败时任务失败；单个 URL 失败只计数。
func (e *Engine) Execute(ctx context.Context, st State) (Result, error) {
	log := e.opts.Logger.WithFields(logging.PreloadFields(st.PreloadID, st.Source))
	id := st.PreloadID

	if !e.advance(ctx, id, func(cur *State) { cur.Phase = PhaseRunning }) {
		return Result{PreloadID: id, Phase: PhaseCanceled}, nil
	}

	urls, err := e.opts.Crawler.Crawl(ctx, st.Sources())
	if err != nil && ctx.Err() != nil {
		log.WithError(err).Info("preload_stopped")
		return Result{PreloadID: id, Phase: PhaseCanceled}, nil
	}
	if err != nil {
		crawlErr := &Error{Kind: KindCrawl, PreloadID: id, Err: err}
		log.WithError(err).Error("preload_crawl_failed")
		return e.finish(ctx, id, PhaseFailed, crawlErr), crawlErr
	}

	total := len(urls)
	skip := min(st.ResumeFrom, total)
	if !e.advance(ctx, id, func(cur *State) {
		cur.Total = total
		// 水位之后已完成的 URL 会重新派发，计数回退到水位以免重复累计。
		cur.Processed = skip
		cur.Failed = min(cur.Failed, skip)
		cur.ResumeFrom = skip
		cur.ProgressPercent = percent(skip, total)
	}) {
		return Result{PreloadID: id, Phase: PhaseCanceled}, nil
	}

	pending := urls[skip:]
	marks := &watermark{base: skip, done: make([]bool, len(pending))}
	sem := make(chan struct{}, e.opts.Concurrency)
	var wg sync.WaitGroup
	stopped := false
	for i, pageURL := range pending {
		if i > 0 && e.opts.Delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.opts.Delay):
			}
		}
		sem <- struct{}{}
		// 取得并发名额后再检查，确保取消在下一次派发前生效。
		if ctx.Err() != nil || !e.active(ctx, id) {
			<-sem
			stopped = true
			break
		}
		wg.Add(1)
		go func(i int, pageURL string) {
			defer wg.Done()
			defer func() { <-sem }()
			ok := e.dispatch(ctx, log, pageURL)
			resume := marks.complete(i)
			e.advance(ctx, id, func(cur *State) {
				cur.Processed++
				if !ok {
					cur.Failed++
				}
				cur.ResumeFrom = max(cur.ResumeFrom, resume)
				cur.ProgressPercent = percent(cur.Processed, cur.Total)
			})
		}(i, pageURL)
	}
	wg.Wait()

	if stopped {
		log.Info("preload_stopped")
		return Result{PreloadID: id, Phase: PhaseCanceled}, nil
	}
	return e.finish(ctx, id, PhaseCompleted, nil), nil
}

// dispatch 发送一次带预热标记的合成请求，返回是否成功。
func (e *Engine) dispatch(ctx context.Context, log *logrus.Entry, pageURL string) bool {
	req, err := preloadRequest(pageURL)
	if err != nil {
		log.WithError(err).WithField("url", pageURL).Warn("preload_url_failed")
		return false
	}
	if e.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RequestTimeout)
		defer cancel()
	}
	resp, err := e.opts.Dispatcher.Process(ctx, req)
	if err != nil {
		log.WithError(err).WithField("url", pageURL).Warn("preload_url_failed")
		return false
	}
	if resp.Status >= http.StatusBadRequest {
		log.WithFields(logrus.Fields{"url": pageURL, "status": resp.Status}).Warn("preload_url_failed")
		return false
	}
	log.WithFields(logrus.Fields{
		"url":          pageURL,
		"status":       resp.Status,
		"cache_status": resp.Header.Get(pagecache.HeaderStatus),
	}).Debug("preload_url_done")
	return true
}

// advance 仅在状态仍属于 id 时修改并保存，返回任务是否仍然有效。
func (e *Engine) advance(ctx context.Context, id string, mutate func(*State)) bool {
	valid := false
	// 停止时仍需记录已完成的进度，供续跑使用。
	_, err := e.opts.States.Update(context.WithoutCancel(ctx), func(cur *State, exists bool) bool {
		if !exists || cur.PreloadID != id || !cur.IsPreloading {
			return false
		}
		valid = true
		mutate(cur)
		cur.UpdatedAt = e.opts.Now()
		return true
	})
	if err != nil {
		e.opts.Logger.WithError(err).WithField("preload_id", id).Warn("preload_state_write_failed")
	}
	return valid
}

func (e *Engine) active(ctx context.Context, id string) bool {
	st, ok, err := e.opts.States.Load(ctx)
	if err != nil {
		// 状态暂时不可读时继续执行，由监控器兜底。
		return true
	}
	return ok && st.IsPreloading && st.PreloadID == id
}

func (e *Engine) finish(ctx context.Context, id string, phase Phase, cause error) Result {
	ctx = context.WithoutCancel(ctx)
	st, cleared, err := e.opts.States.ClearIf(ctx, id)
	if err != nil {
		e.opts.Logger.WithError(err).WithField("preload_id", id).Warn("preload_state_clear_failed")
	}
	if !cleared {
		return Result{PreloadID: id, Phase: PhaseCanceled}
	}
	if phase == PhaseCompleted {
		st.ProgressPercent = 100
	}
	result := resultFrom(st, phase, e.opts.Now(), cause)
	if err := e.opts.States.SaveResult(ctx, result); err != nil {
		e.opts.Logger.WithError(err).WithField("preload_id", id).Warn("preload_result_write_failed")
	}

	fields := logging.PreloadFields(st.PreloadID, st.Source)
	fields["processed"] = result.Processed
	fields["failed"] = result.Failed
	fields["total"] = result.Total
	event := notify.Event{Kind: notify.KindPreloadCompleted, Message: "preload completed", Fields: fields}
	if phase == PhaseFailed {
		event = notify.Event{Kind: notify.KindPreloadFailed, Message: "preload failed", Fields: fields, Err: cause}
	}
	e.opts.Logger.WithFields(fields).Info("preload_" + string(phase))
	e.opts.Notifier.Notify(ctx, event)
	return result
}

func preloadRequest(pageURL string) (*pagecache.Request, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	query := u.Query()
	query.Set(pagecache.MarkerParam, "1")
	u.RawQuery = query.Encode()
	return &pagecache.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{"User-Agent": {pagecache.PreloadUserAgent}},
	}, nil
}

// watermark 记录按爬取顺序连续完成的位置。
type watermark struct {
	mu   sync.Mutex
	base int
	next int
	done []bool
}

// complete 标记第 i 个待派发 URL 完成，返回新的续跑位置。
func (w *watermark) complete(i int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done[i] = true
	for w.next < len(w.done) && w.done[w.next] {
		w.next++
	}
	return w.base + w.next
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(done) * 100 / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}
