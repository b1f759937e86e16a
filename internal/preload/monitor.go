package preload

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/notify"
)

// Restarter 以保留的来源与进度重新启动预热任务。
type Restarter interface {
	Restart(ctx context.Context, prev State) (State, error)
}

// MonitorOptions 配置预热监控器。
type MonitorOptions struct {
	States    *StateStore
	Restarter Restarter
	Logger    *logrus.Logger
	Notifier  notify.Notifier

	// GracePeriod 内进度未变化视为停滞。
	GracePeriod time.Duration
	// StaleAfter 是单次尝试允许的最长运行时间，0 表示不限制。
	StaleAfter time.Duration
	MaxRetries int

	Now func() time.Time
}

// Monitor 周期性检查预热状态，重启停滞的任务，超过重试上限后终止。
type Monitor struct {
	opts MonitorOptions
}

// NewMonitor 创建监控器。
func NewMonitor(opts MonitorOptions) (*Monitor, error) {
	switch {
	case opts.States == nil:
		return nil, errors.New("state store is required")
	case opts.Restarter == nil:
		return nil, errors.New("restarter is required")
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{opts: opts}, nil
}

// Verdict 是一次检查的结论。
type Verdict string

const (
	VerdictIdle      Verdict = "idle"
	VerdictObserved  Verdict = "observed"
	VerdictHealthy   Verdict = "healthy"
	VerdictRestarted Verdict = "restarted"
	VerdictAbandoned Verdict = "abandoned"
)

// Check 执行一次检查。没有状态时为 no-op；超过重试上限时清除状态并返回 ErrMaxRetries。
func (m *Monitor) Check(ctx context.Context) (Verdict, error) {
	now := m.opts.Now()
	var (
		verdict = VerdictIdle
		prev    State
	)
	_, err := m.opts.States.Update(ctx, func(st *State, exists bool) bool {
		if !exists || !st.IsPreloading {
			return false
		}
		if st.CheckedAt.IsZero() {
			verdict = VerdictObserved
			st.CheckedAt = now
			st.CheckedPercent = st.ProgressPercent
			return true
		}
		if !m.stalled(*st, now) && !m.stale(*st, now) {
			verdict = VerdictHealthy
			st.CheckedAt = now
			st.CheckedPercent = st.ProgressPercent
			return true
		}
		st.Retries++
		st.CheckedAt = now
		st.CheckedPercent = st.ProgressPercent
		prev = *st
		if st.Retries > m.opts.MaxRetries {
			verdict = VerdictAbandoned
			return false
		}
		verdict = VerdictRestarted
		return true
	})
	if err != nil {
		return verdict, err
	}

	switch verdict {
	case VerdictAbandoned:
		return verdict, m.abandon(ctx, prev)
	case VerdictRestarted:
		fields := logging.PreloadFields(prev.PreloadID, prev.Source)
		fields["retries"] = prev.Retries
		fields["progress_percent"] = prev.ProgressPercent
		m.opts.Logger.WithFields(fields).Warn("preload_monitor_retry")
		m.opts.Notifier.Notify(ctx, notify.Event{
			Kind:    notify.KindMonitorRetry,
			Message: "preload stalled, restarting",
			Fields:  fields,
		})
		if _, err := m.opts.Restarter.Restart(ctx, prev); err != nil {
			return verdict, err
		}
	}
	return verdict, nil
}

func (m *Monitor) abandon(ctx context.Context, st State) error {
	cause := &Error{Kind: KindMaxRetries, PreloadID: st.PreloadID}
	if _, _, err := m.opts.States.ClearIf(ctx, st.PreloadID); err != nil {
		return err
	}
	result := resultFrom(st, PhaseFailed, m.opts.Now(), cause)
	if err := m.opts.States.SaveResult(ctx, result); err != nil {
		m.opts.Logger.WithError(err).WithField("preload_id", st.PreloadID).Warn("preload_result_write_failed")
	}
	fields := logging.PreloadFields(st.PreloadID, st.Source)
	fields["retries"] = st.Retries
	m.opts.Logger.WithFields(fields).Error("preload_monitor_max_retries")
	m.opts.Notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindMonitorMaxRetries,
		Message: "preload abandoned after max retries",
		Fields:  fields,
		Err:     cause,
	})
	return cause
}

// stalled 判断自上次检查以来进度没有变化且已超过宽限期。
func (m *Monitor) stalled(st State, now time.Time) bool {
	if st.ProgressPercent != st.CheckedPercent {
		return false
	}
	last := latest(st.UpdatedAt, st.AttemptAt, st.StartedAt)
	return now.Sub(last) >= m.opts.GracePeriod
}

// stale 判断当前尝试运行时间超过上限。
func (m *Monitor) stale(st State, now time.Time) bool {
	if m.opts.StaleAfter <= 0 {
		return false
	}
	begin := st.AttemptAt
	if begin.IsZero() {
		begin = st.StartedAt
	}
	return now.Sub(begin) >= m.opts.StaleAfter
}

func latest(times ...time.Time) time.Time {
	var out time.Time
	for _, t := range times {
		if t.After(out) {
			out = t
		}
	}
	return out
}
