// Package notify 定义进度事件以及日志、Kafka 等通知出口。
package notify

import (
	"context"
	"errors"
	"time"

	"marketrun/internal/logging"
)

// Stage 标识工作流所处阶段。
type Stage string

const (
	StageSigned    Stage = "signed"
	StagePublished Stage = "published"
	StageMatched   Stage = "matched"
	StageTask      Stage = "task"
	StageRetrieved Stage = "retrieved"
	StageFailed    Stage = "failed"
)

// Event 是一次进度通知，供 UI 反馈或外部系统消费。
type Event struct {
	ExecutionID string    `json:"executionId,omitempty"`
	Stage       Stage     `json:"stage"`
	DealID      string    `json:"dealId,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	State       string    `json:"state,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier 接收进度事件。通知是尽力而为的，失败不应中断工作流。
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func 将普通函数适配为 Notifier。
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi 依次投递到所有下游，汇总错误。
type Multi []Notifier

// Notify 投递给每个下游，单个失败不影响其余下游。
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// LogNotifier 将事件写入日志。
type LogNotifier struct {
	log logging.Logger
}

// NewLogNotifier 构造写入 log 的通知器。
func NewLogNotifier(log logging.Logger) *LogNotifier {
	return &LogNotifier{log: logging.Default(log)}
}

func (l *LogNotifier) Notify(_ context.Context, ev Event) error {
	switch ev.Stage {
	case StageTask:
		l.log.Infof("task %s -> %s %s", ev.TaskID, ev.State, ev.Detail)
	case StageFailed:
		l.log.Warnf("execution %s failed: %s", ev.ExecutionID, ev.Detail)
	default:
		l.log.Infof("execution %s %s %s", ev.ExecutionID, ev.Stage, ev.Detail)
	}
	return nil
}

// Stamp 在缺省时补齐事件时间。
func Stamp(ev Event) Event {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}
