package preload

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/any-hub/any-cache/internal/storage"
)

// Phase 是预热任务的生命周期阶段。
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStarting  Phase = "starting"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseCanceled  Phase = "canceled"
	PhaseFailed    Phase = "failed"
)

// State 是唯一的进程级预热状态，是“当前是否在预热”的唯一依据。
type State struct {
	IsPreloading    bool      `json:"is_preloading" yaml:"is_preloading"`
	Source          string    `json:"source" yaml:"source"`
	ProgressPercent float64   `json:"progress_percent" yaml:"progress_percent"`
	PreloadID       string    `json:"preload_id" yaml:"preload_id"`
	StartedAt       time.Time `json:"started_at" yaml:"started_at"`
	Retries         int       `json:"retries" yaml:"retries"`

	Phase     Phase     `json:"phase" yaml:"phase"`
	Total     int       `json:"total" yaml:"total"`
	Processed int       `json:"processed" yaml:"processed"`
	Failed    int       `json:"failed" yaml:"failed"`
	// ResumeFrom 是按爬取顺序连续完成的 URL 数；并发派发时完成顺序可能乱序，续跑从这里开始。
	ResumeFrom int       `json:"resume_from" yaml:"resume_from"`
	AttemptAt  time.Time `json:"attempt_at" yaml:"attempt_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	// 监控器上一次检查时的快照。
	CheckedAt      time.Time `json:"checked_at,omitempty" yaml:"checked_at,omitempty"`
	CheckedPercent float64   `json:"checked_percent" yaml:"checked_percent"`
}

// Sources 将 Source 拆分为 sitemap 列表。
func (s State) Sources() []string {
	return splitSources(s.Source)
}

// Result 是任务结束时保存的摘要。
type Result struct {
	PreloadID  string    `json:"preload_id" yaml:"preload_id"`
	Source     string    `json:"source" yaml:"source"`
	Phase      Phase     `json:"phase" yaml:"phase"`
	Total      int       `json:"total" yaml:"total"`
	Processed  int       `json:"processed" yaml:"processed"`
	Failed     int       `json:"failed" yaml:"failed"`
	Retries    int       `json:"retries" yaml:"retries"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	// ProgressPercent 为结束时的进度；正常完成恒为 100，失败的 URL 也计入进度。
	ProgressPercent float64 `json:"progress_percent" yaml:"progress_percent"`
}

func resultFrom(st State, phase Phase, finished time.Time, err error) Result {
	r := Result{
		PreloadID:  st.PreloadID,
		Source:     st.Source,
		Phase:      phase,
		Total:      st.Total,
		Processed:  st.Processed,
		Failed:     st.Failed,
		Retries:    st.Retries,
		StartedAt:  st.StartedAt,
		FinishedAt: finished,

		ProgressPercent: st.ProgressPercent,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

const (
	stateKey  = "state"
	resultKey = "last_result"
)

// StateStore 以互斥锁保护对持久化预热状态的读-改-写。
type StateStore struct {
	mu    sync.Mutex
	store storage.Storage
}

// NewStateStore 基于 preload 命名空间的存储创建状态仓库。
func NewStateStore(store storage.Storage) *StateStore {
	return &StateStore{store: store}
}

// Load 读取当前状态，不存在时 ok 为 false。
func (s *StateStore) Load(ctx context.Context) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// Update 在锁内读取状态并交给 fn 修改；fn 返回 false 时不写回。
// 状态不存在时 fn 收到零值且 exists 为 false。
func (s *StateStore) Update(ctx context.Context, fn func(st *State, exists bool) bool) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok, err := s.loadLocked(ctx)
	if err != nil {
		return st, err
	}
	if !fn(&st, ok) {
		return st, nil
	}
	return st, s.store.Set(ctx, stateKey, st, 0)
}

// Clear 删除当前状态。
func (s *StateStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, stateKey)
}

// ClearIf 仅当当前状态属于 preloadID 时删除，返回删除前的状态。
func (s *StateStore) ClearIf(ctx context.Context, preloadID string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok, err := s.loadLocked(ctx)
	if err != nil || !ok || (preloadID != "" && st.PreloadID != preloadID) {
		return st, false, err
	}
	return st, true, s.store.Delete(ctx, stateKey)
}

// SaveResult 保存最近一次任务的结果。
func (s *StateStore) SaveResult(ctx context.Context, r Result) error {
	return s.store.Set(ctx, resultKey, r, 0)
}

// LastResult 读取最近一次任务的结果。
func (s *StateStore) LastResult(ctx context.Context) (Result, bool, error) {
	var r Result
	if err := s.store.Get(ctx, resultKey, &r); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return r, false, nil
		}
		return r, false, err
	}
	return r, true, nil
}

func (s *StateStore) loadLocked(ctx context.Context) (State, bool, error) {
	var st State
	if err := s.store.Get(ctx, stateKey, &st); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	return st, true, nil
}

func splitSources(source string) []string {
	var out []string
	for _, part := range strings.Split(source, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
