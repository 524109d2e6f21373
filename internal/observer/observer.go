// Package observer 以只读方式轮询任务状态，直到任务进入终态、超时或被取消。
package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"marketrun/internal/logging"
	"marketrun/internal/market"
	"marketrun/internal/metrics"
	"marketrun/internal/notify"
)

// StateReader 抽象结算层的任务状态查询。
type StateReader interface {
	TaskStatus(ctx context.Context, taskID market.Hash) (market.TaskStatus, error)
}

// Config 描述轮询间隔、默认超时、日志与进度通知。
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Log      logging.Logger
	Notifier notify.Notifier
}

// applyDefaults 为缺失的配置填充默认值。
func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	c.Log = logging.Default(c.Log)
	if c.Notifier == nil {
		c.Notifier = notify.Nop{}
	}
}

// Observation 是一次观察的结果。
type Observation struct {
	TaskID  market.Hash
	Status  market.TaskStatus
	Polls   int
	Changes int
	Elapsed time.Duration
}

// Observer 是被动读取者：它从不写入任务状态，取消观察不会影响任务本身。
type Observer struct {
	reader StateReader
	cfg    Config
}

// New 构建观察器。
func New(reader StateReader, cfg Config) (*Observer, error) {
	if reader == nil {
		return nil, errors.New("task state reader required")
	}
	cfg.applyDefaults()
	return &Observer{reader: reader, cfg: cfg}, nil
}

// Observe 使用配置中的通知器观察任务。timeout<=0 时使用默认超时。
func (o *Observer) Observe(ctx context.Context, taskID market.Hash, timeout time.Duration) (Observation, error) {
	return o.ObserveNotify(ctx, taskID, timeout, o.cfg.Notifier)
}

// ObserveNotify 轮询任务状态：首次观察与每次状态变化都会发出进度通知；
// COMPLETED 返回成功，FAILED 返回 TaskError，超时返回 TimeoutError，
// 调用方取消时立即返回 ctx.Err()。查询错误原样返回，不做重试。
func (o *Observer) ObserveNotify(ctx context.Context, taskID market.Hash, timeout time.Duration, n notify.Notifier) (Observation, error) {
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	if n == nil {
		n = notify.Nop{}
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		obs      = Observation{TaskID: taskID}
		observed bool
		failure  error
		start    = time.Now()
	)
	o.cfg.Log.Infof("observing task %s (interval=%s timeout=%s)", taskID, o.cfg.Interval, timeout)

	err := wait.PollUntilContextCancel(pollCtx, o.cfg.Interval, true, func(ctx context.Context) (bool, error) {
		obs.Polls++
		metrics.RecordPoll()
		st, err := o.reader.TaskStatus(ctx, taskID)
		if err != nil {
			return false, err
		}
		if !observed || st.State != obs.Status.State {
			obs.Changes++
			o.emit(ctx, n, taskID, st)
		}
		observed = true
		obs.Status = st
		switch st.State {
		case market.TaskCompleted:
			return true, nil
		case market.TaskFailed:
			failure = &market.TaskError{TaskID: taskID, State: st.State, Detail: st.Detail}
			return true, nil
		}
		return false, nil
	})
	obs.Elapsed = time.Since(start)

	switch {
	case err == nil && failure != nil:
		metrics.RecordObservation("failed")
		o.cfg.Log.Warnf("task %s failed after %d polls: %s", taskID, obs.Polls, obs.Status.Detail)
		return obs, failure
	case err == nil:
		metrics.RecordObservation("completed")
		o.cfg.Log.Infof("task %s completed after %d polls (%s)", taskID, obs.Polls, obs.Elapsed)
		return obs, nil
	case ctx.Err() != nil:
		metrics.RecordObservation("cancelled")
		o.cfg.Log.Warnf("observation of task %s cancelled: %v", taskID, ctx.Err())
		return obs, ctx.Err()
	case pollCtx.Err() != nil:
		metrics.RecordObservation("timeout")
		return obs, &market.TimeoutError{TaskID: taskID, Timeout: timeout, LastState: obs.Status.State, Observed: observed}
	default:
		metrics.RecordObservation("error")
		return obs, fmt.Errorf("poll task %s: %w", taskID, err)
	}
}

func (o *Observer) emit(ctx context.Context, n notify.Notifier, taskID market.Hash, st market.TaskStatus) {
	ev := notify.Stamp(notify.Event{
		Stage:  notify.StageTask,
		TaskID: taskID.String(),
		State:  st.State.String(),
		Detail: st.Detail,
	})
	if err := n.Notify(ctx, ev); err != nil {
		o.cfg.Log.Warnf("progress notification for task %s: %v", taskID, err)
	}
}
