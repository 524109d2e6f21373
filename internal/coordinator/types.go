package coordinator

import (
	"context"
	"time"

	"marketrun/internal/journal"
	"marketrun/internal/market"
	"marketrun/internal/match"
	"marketrun/internal/notify"
	"marketrun/internal/observer"
	"marketrun/internal/order"
	"marketrun/internal/result"
)

// Request 描述一次完整执行：构建请求单、撮合、观察并取回结果。
type Request struct {
	// ExecutionID 为空时自动生成。
	ExecutionID string
	Order       order.Params
	// DestDir 为空时使用 Config.OutputDir/<ExecutionID>。
	DestDir string
	// Timeout 为观察超时，<=0 时使用配置值。
	Timeout time.Duration
}

// ResumeRequest 依据交易 ID 与任务序号（或日志中的执行 ID）恢复观察，无需查询交易。
type ResumeRequest struct {
	ExecutionID string
	DealID      string
	TaskIndex   uint64
	DestDir     string
	Timeout     time.Duration
}

// Outcome 是执行结果。
type Outcome struct {
	ExecutionID string
	Request     market.Order
	DealID      market.Hash
	TxHash      market.Hash
	TaskIndex   uint64
	TaskID      market.Hash
	Attempts    int
	Observation observer.Observation
	Output      result.ManifestEntry
}

// Orderbook 抽象注册表访问。
type Orderbook interface {
	Publish(ctx context.Context, o market.Order) (market.Hash, error)
	FetchBest(ctx context.Context, f market.Filter) (*market.Order, error)
}

// Matcher 抽象撮合与结算提交。
type Matcher interface {
	Match(ctx context.Context, request market.Order, c match.Candidates) (match.Result, error)
}

// TaskObserver 抽象任务状态观察。
type TaskObserver interface {
	ObserveNotify(ctx context.Context, taskID market.Hash, timeout time.Duration, n notify.Notifier) (observer.Observation, error)
}

// ResultRetriever 抽象结果下载与解包。
type ResultRetriever interface {
	Retrieve(ctx context.Context, taskID market.Hash, destDir string) (result.ManifestEntry, error)
}

// Journal 抽象执行日志。
type Journal interface {
	Append(r journal.Record) (journal.Record, error)
	Latest(id string) (journal.Record, error)
}
