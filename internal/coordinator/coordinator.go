package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"marketrun/internal/journal"
	"marketrun/internal/logging"
	"marketrun/internal/market"
	"marketrun/internal/match"
	"marketrun/internal/metrics"
	"marketrun/internal/notify"
	"marketrun/internal/order"
	"marketrun/internal/taskid"
)

// Coordinator 串联订单构建、注册表发现、撮合结算、任务观察与结果取回。
// 它是唯一决定重试的层：各组件失败时只向上返回错误。
type Coordinator struct {
	cfg      Config
	book     Orderbook
	matcher  Matcher
	observer TaskObserver
	results  ResultRetriever
	log      logging.Logger
}

// NewCoordinator 使用外部依赖构建协调器实例。
func NewCoordinator(cfg Config, book Orderbook, matcher Matcher, obs TaskObserver, results ResultRetriever) (*Coordinator, error) {
	if book == nil {
		return nil, errors.New("orderbook client required")
	}
	if matcher == nil {
		return nil, errors.New("match engine required")
	}
	if obs == nil {
		return nil, errors.New("task observer required")
	}
	if results == nil {
		return nil, errors.New("result retriever required")
	}
	cfg.applyDefaults()
	return &Coordinator{
		cfg:      cfg,
		book:     book,
		matcher:  matcher,
		observer: obs,
		results:  results,
		log:      cfg.Log,
	}, nil
}

// execution 是单次执行的上下文，不在并发执行之间共享。
type execution struct {
	c       *Coordinator
	id      string
	request market.Hash
	dealID  market.Hash
	index   uint64
	taskID  market.Hash
	destDir string
}

// Execute 运行完整流程。撮合竞争失败与暂无可用订单会按退避策略重新发现并重试，
// 其余错误直接返回。
func (c *Coordinator) Execute(ctx context.Context, req Request) (Outcome, error) {
	if c.cfg.Signer == nil {
		return Outcome{}, errors.New("signer required to build request orders")
	}
	ex := c.newExecution(req.ExecutionID, req.DestDir)
	out := Outcome{ExecutionID: ex.id}
	c.log.Infof("execution %s started", ex.id)

	start := time.Now()
	reqOrder, err := order.Create(market.KindRequest, req.Order)
	if err == nil {
		reqOrder, err = order.Sign(reqOrder, c.cfg.Signer)
	}
	metrics.RecordStage("sign", time.Since(start), err == nil)
	if err != nil {
		return out, ex.fail(ctx, fmt.Errorf("build request order: %w", err))
	}
	out.Request = reqOrder
	ex.request = reqOrder.Hash()
	ex.record(ctx, notify.StageSigned, "", "")

	if c.cfg.PublishRequest {
		if _, err := c.book.Publish(ctx, reqOrder); err != nil {
			return out, ex.fail(ctx, fmt.Errorf("publish request order: %w", err))
		}
		ex.record(ctx, notify.StagePublished, "", "")
	}

	start = time.Now()
	res, attempts, err := c.matchWithRetry(ctx, ex, reqOrder)
	metrics.RecordStage("match", time.Since(start), err == nil)
	out.Attempts = attempts
	if err != nil {
		return out, ex.fail(ctx, err)
	}
	ex.dealID = res.DealID
	ex.index = res.Deal.BotFirst
	out.DealID, out.TxHash, out.TaskIndex = res.DealID, res.TxHash, ex.index

	taskID, err := taskid.Derive(res.DealID.String(), ex.index)
	if err != nil {
		return out, ex.fail(ctx, err)
	}
	ex.taskID = taskID
	out.TaskID = taskID
	ex.record(ctx, notify.StageMatched, "", fmt.Sprintf("tx %s", res.TxHash))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ObserveTimeout
	}
	return ex.track(ctx, out, timeout)
}

// Resume 由交易 ID 与任务序号推导任务 ID 后继续观察与取回，适用于进程崩溃后恢复。
// 指定 ExecutionID 时从执行日志中读取交易信息。
func (c *Coordinator) Resume(ctx context.Context, rr ResumeRequest) (Outcome, error) {
	dealID, index, destDir := rr.DealID, rr.TaskIndex, rr.DestDir
	if rr.ExecutionID != "" && dealID == "" {
		if c.cfg.Journal == nil {
			return Outcome{}, errors.New("resume by execution id requires the journal")
		}
		last, err := c.cfg.Journal.Latest(rr.ExecutionID)
		if err != nil {
			return Outcome{}, err
		}
		if last.DealID == "" {
			return Outcome{}, fmt.Errorf("execution %s has no deal yet (last stage %s)", rr.ExecutionID, last.Stage)
		}
		dealID, index = last.DealID, last.TaskIndex
		if destDir == "" {
			destDir = last.DestDir
		}
	}

	taskID, err := taskid.Derive(dealID, index)
	if err != nil {
		return Outcome{}, err
	}
	deal, _ := market.ParseHash(dealID) // validated by Derive

	ex := c.newExecution(rr.ExecutionID, destDir)
	ex.dealID, ex.index, ex.taskID = deal, index, taskID
	c.log.Infof("execution %s resuming task %s (deal %s index %d)", ex.id, taskID, deal, index)

	out := Outcome{ExecutionID: ex.id, DealID: deal, TaskIndex: index, TaskID: taskID}
	timeout := rr.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ObserveTimeout
	}
	return ex.track(ctx, out, timeout)
}

func (c *Coordinator) newExecution(id, destDir string) *execution {
	if id == "" {
		id = uuid.NewString()
	}
	if destDir == "" {
		destDir = filepath.Join(c.cfg.OutputDir, id)
	}
	return &execution{c: c, id: id, destDir: destDir}
}

// matchWithRetry 每次尝试都重新查询注册表，因为上一次的候选订单可能已被消耗。
func (c *Coordinator) matchWithRetry(ctx context.Context, ex *execution, req market.Order) (match.Result, int, error) {
	var (
		res      match.Result
		attempts int
		lastErr  error
	)
	err := wait.ExponentialBackoffWithContext(ctx, c.cfg.Backoff, func(ctx context.Context) (bool, error) {
		attempts++
		cands, err := c.discover(ctx, req)
		if err == nil {
			res, err = c.matcher.Match(ctx, req, cands)
		}
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, market.ErrMatchRaceLost), errors.Is(err, market.ErrNoMatchingOrder):
			lastErr = err
			c.log.Warnf("execution %s attempt %d: %v", ex.id, attempts, err)
			return false, nil
		default:
			return false, err
		}
	})
	switch {
	case err == nil:
		return res, attempts, nil
	case ctx.Err() != nil:
		return match.Result{}, attempts, ctx.Err()
	case wait.Interrupted(err) && lastErr != nil:
		return match.Result{}, attempts, lastErr
	default:
		return match.Result{}, attempts, err
	}
}

// discover 依次获取应用、数据集与工作池的最优订单。后取的类别会叠加已选订单的
// 限制：数据集须在应用白名单内，工作池须满足应用与数据集的标签及白名单。
func (c *Coordinator) discover(ctx context.Context, req market.Order) (match.Candidates, error) {
	fetch := func(f market.Filter) (market.Order, error) {
		best, err := c.book.FetchBest(ctx, f)
		if err != nil {
			return market.Order{}, fmt.Errorf("discover %s orders: %w", f.Kind, err)
		}
		if best == nil {
			return market.Order{}, &market.NoMatchError{Kind: f.Kind}
		}
		return *best, nil
	}

	app, err := fetch(market.FilterFor(req, market.KindApp))
	if err != nil {
		return match.Candidates{}, err
	}
	cands := match.Candidates{Apps: []market.Order{app}}
	var dataset *market.Order
	if !req.Restrictions.Dataset.IsZero() {
		ds, err := fetch(market.FilterFor(req, market.KindDataset).Narrow(&app))
		if err != nil {
			return match.Candidates{}, err
		}
		dataset = &ds
		cands.Datasets = []market.Order{ds}
	}
	pool, err := fetch(market.FilterFor(req, market.KindWorkerpool).Narrow(&app).Narrow(dataset))
	if err != nil {
		return match.Candidates{}, err
	}
	cands.Workerpools = []market.Order{pool}
	return cands, nil
}

// track 观察任务直到终态并取回结果。
func (ex *execution) track(ctx context.Context, out Outcome, timeout time.Duration) (Outcome, error) {
	c := ex.c
	progress := notify.Func(func(ctx context.Context, ev notify.Event) error {
		ev.ExecutionID = ex.id
		ev.DealID = ex.dealID.String()
		ex.journal(notify.StageTask, ev.State, ev.Detail)
		return c.cfg.Notifier.Notify(ctx, ev)
	})
	start := time.Now()
	obs, err := c.observer.ObserveNotify(ctx, ex.taskID, timeout, progress)
	metrics.RecordStage("observe", time.Since(start), err == nil)
	out.Observation = obs
	if err != nil {
		return out, ex.fail(ctx, err)
	}

	start = time.Now()
	entry, err := c.results.Retrieve(ctx, ex.taskID, ex.destDir)
	metrics.RecordStage("retrieve", time.Since(start), err == nil)
	if err != nil {
		return out, ex.fail(ctx, err)
	}
	out.Output = entry
	rec := ex.journalRecord(notify.StageRetrieved, market.TaskCompleted.String())
	rec.Output = entry.Relative
	ex.append(rec)
	ex.emit(ctx, notify.StageRetrieved, market.TaskCompleted.String(), entry.Path)
	c.log.Infof("execution %s done: deterministic output %s", ex.id, entry.Path)
	return out, nil
}

// record 同时写入执行日志并发出通知。
func (ex *execution) record(ctx context.Context, stage notify.Stage, state, detail string) {
	ex.journal(stage, state, detail)
	ex.emit(ctx, stage, state, detail)
}

// fail 记录失败并原样返回错误。超时、取消与通信失败可恢复，不写入失败记录。
func (ex *execution) fail(ctx context.Context, err error) error {
	ex.c.log.Errorf("execution %s: %v", ex.id, err)
	if resumable(err) {
		ex.emit(ctx, notify.StageFailed, "", err.Error())
		return err
	}
	ex.record(ctx, notify.StageFailed, "", err.Error())
	return err
}

func resumable(err error) bool {
	return errors.Is(err, market.ErrObservationTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, market.ErrRegistryUnavailable)
}

func (ex *execution) emit(ctx context.Context, stage notify.Stage, state, detail string) {
	ev := notify.Stamp(notify.Event{
		ExecutionID: ex.id,
		Stage:       stage,
		State:       state,
		Detail:      detail,
	})
	if !ex.dealID.IsZero() {
		ev.DealID = ex.dealID.String()
	}
	if !ex.taskID.IsZero() {
		ev.TaskID = ex.taskID.String()
	}
	// 通知失败不影响执行
	if err := ex.c.cfg.Notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		ex.c.log.Warnf("notify %s/%s: %v", ex.id, stage, err)
	}
}

func (ex *execution) journal(stage notify.Stage, state, detail string) {
	rec := ex.journalRecord(stage, state)
	if stage == notify.StageFailed {
		rec.Error = detail
	}
	ex.append(rec)
}

func (ex *execution) journalRecord(stage notify.Stage, state string) journal.Record {
	rec := journal.Record{
		ExecutionID: ex.id,
		Stage:       stage,
		TaskIndex:   ex.index,
		State:       state,
		DestDir:     ex.destDir,
	}
	if !ex.request.IsZero() {
		rec.RequestHash = ex.request.String()
	}
	if !ex.dealID.IsZero() {
		rec.DealID = ex.dealID.String()
	}
	if !ex.taskID.IsZero() {
		rec.TaskID = ex.taskID.String()
	}
	return rec
}

func (ex *execution) append(rec journal.Record) {
	if ex.c.cfg.Journal == nil {
		return
	}
	if _, err := ex.c.cfg.Journal.Append(rec); err != nil {
		ex.c.log.Warnf("journal %s/%s: %v", ex.id, rec.Stage, err)
	}
}
