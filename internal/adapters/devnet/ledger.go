// Package devnet 提供本地内存版的订单簿、结算与结果存储，
// 用于演示与测试，无需连接真实的链与注册表。
package devnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketrun/internal/logging"
	"marketrun/internal/market"
	"marketrun/internal/order"
	"marketrun/internal/taskid"
)

var (
	ErrUnknownOrder = errors.New("unknown order")
	ErrUnknownTask  = errors.New("unknown task")
	ErrUnsigned     = errors.New("order not signed")
)

// DefaultScript 是任务默认经历的状态序列，每次状态查询推进一步。
var DefaultScript = []market.TaskState{
	market.TaskUnset, market.TaskActive, market.TaskActive, market.TaskRevealing, market.TaskCompleted,
}

// ResultFunc 为完成的任务生成结果归档。
type ResultFunc func(taskID market.Hash, deal market.Deal, request market.Order) ([]byte, error)

// Options 配置账本行为。
type Options struct {
	Script        []market.TaskState
	FailureDetail string
	Results       ResultFunc
	Log           logging.Logger
	Now           func() time.Time
}

func (o *Options) applyDefaults() {
	if len(o.Script) == 0 {
		o.Script = DefaultScript
	}
	if o.FailureDetail == "" {
		o.FailureDetail = "task execution failed"
	}
	if o.Results == nil {
		o.Results = DefaultResult
	}
	o.Log = logging.Default(o.Log)
	if o.Now == nil {
		o.Now = time.Now
	}
}

type entry struct {
	order     market.Order
	hash      market.Hash
	remaining uint64
	seq       uint64
}

type task struct {
	deal    market.Deal
	request market.Order
	script  []market.TaskState
	detail  string
	step    int
	state   market.TaskState
	updated time.Time
	result  []byte
}

// Ledger 是内存账本。撮合在一把锁内校验并扣减全部订单的剩余量，
// 因此同一份余量只会被一个撮合消费，其余并发撮合得到 RaceError。
type Ledger struct {
	mu       sync.Mutex
	opts     Options
	seq      uint64
	orders   map[market.Hash]*entry
	consumed map[market.Hash]uint64
	deals    []market.Deal
	tasks    map[market.Hash]*task
}

// NewLedger 创建空账本。
func NewLedger(opts Options) *Ledger {
	opts.applyDefaults()
	return &Ledger{
		opts:     opts,
		orders:   make(map[market.Hash]*entry),
		consumed: make(map[market.Hash]uint64),
		tasks:    make(map[market.Hash]*task),
	}
}

// Publish 校验签名后登记订单，重复发布同一订单返回相同哈希。
func (l *Ledger) Publish(o market.Order) (market.Hash, error) {
	if !o.Signed() {
		return market.ZeroHash, ErrUnsigned
	}
	if err := order.Verify(o); err != nil {
		return market.ZeroHash, err
	}
	if o.Volume == 0 {
		return market.ZeroHash, fmt.Errorf("%s order has no volume", o.Kind)
	}
	h := o.Hash()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.orders[h]; ok {
		return h, nil
	}
	l.seq++
	l.orders[h] = &entry{order: o, hash: h, remaining: o.Volume, seq: l.seq}
	l.opts.Log.Infof("devnet: published %s as %s", o.Short(), h)
	return h, nil
}

// Query 按种类、主体与类别粗筛仍有余量的订单，按价格升序、发布先后排序。
// 返回签名原件（Volume 为签名时的总量），标签、价格与限制条件交由客户端校验。
func (l *Ledger) Query(f market.Filter) []market.Order {
	l.mu.Lock()
	var hits []*entry
	for _, e := range l.orders {
		o := e.order
		if o.Kind != f.Kind || e.remaining == 0 {
			continue
		}
		if !f.Subject.IsZero() && o.Subject.Canonical() != f.Subject.Canonical() {
			continue
		}
		if o.Kind == market.KindWorkerpool && o.Category != f.Category {
			continue
		}
		cp := *e
		hits = append(hits, &cp)
	}
	l.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].order.Price != hits[j].order.Price {
			return hits[i].order.Price < hits[j].order.Price
		}
		return hits[i].seq < hits[j].seq
	})
	out := make([]market.Order, len(hits))
	for i, e := range hits {
		out[i] = e.order
	}
	return out
}

// SubmitMatch 校验四元组并原子地扣减余量、创建交易与任务。
// 报价单按哈希查找已登记的原件，其签名在发布时已校验；请求单在此校验。
func (l *Ledger) SubmitMatch(ctx context.Context, t market.Tuple) (market.Deal, error) {
	if err := ctx.Err(); err != nil {
		return market.Deal{}, err
	}
	if !t.Request.Signed() {
		return market.Deal{}, fmt.Errorf("request: %w", ErrUnsigned)
	}
	if err := market.Check(t); err != nil {
		return market.Deal{}, err
	}
	if err := order.Verify(t.Request); err != nil {
		return market.Deal{}, fmt.Errorf("request: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	offers := []market.Order{t.App}
	if t.Dataset != nil {
		offers = append(offers, *t.Dataset)
	}
	offers = append(offers, t.Workerpool)

	entries := make([]*entry, 0, len(offers))
	for _, o := range offers {
		h := o.Hash()
		e, ok := l.orders[h]
		if !ok {
			return market.Deal{}, fmt.Errorf("%w: %s order %s", ErrUnknownOrder, o.Kind, h)
		}
		if e.remaining == 0 {
			return market.Deal{}, &market.RaceError{Kind: o.Kind, OrderHash: e.hash, Detail: "volume exhausted"}
		}
		entries = append(entries, e)
	}

	reqHash := t.Request.Hash()
	used := l.consumed[reqHash]
	if used >= t.Request.Volume {
		return market.Deal{}, &market.RaceError{Kind: market.KindRequest, OrderHash: reqHash, Detail: "volume exhausted"}
	}

	for _, e := range entries {
		e.remaining--
	}
	l.consumed[reqHash] = used + 1

	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], uint64(len(l.deals)))
	dealID := market.Keccak256(reqHash[:], entries[0].hash[:], nonce[:])
	deal := market.Deal{
		ID:              dealID,
		TxHash:          market.Keccak256([]byte("tx"), dealID[:]),
		AppOrder:        entries[0].hash,
		WorkerpoolOrder: entries[len(entries)-1].hash,
		RequestOrder:    reqHash,
		BotFirst:        used,
		BotSize:         1,
	}
	if t.Dataset != nil {
		deal.DatasetOrder = entries[1].hash
	}
	l.deals = append(l.deals, deal)

	tid := taskid.FromDeal(dealID, deal.BotFirst)
	l.tasks[tid] = &task{
		deal:    deal,
		request: t.Request,
		script:  l.opts.Script,
		state:   l.opts.Script[0],
		detail:  l.opts.FailureDetail,
		updated: l.opts.Now(),
	}
	l.opts.Log.Infof("devnet: deal %s created, task %s", dealID, tid)
	return deal, nil
}

// DealsByRequest 返回某个请求单产生的全部交易，按创建顺序。
func (l *Ledger) DealsByRequest(ctx context.Context, requestHash market.Hash) ([]market.Deal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []market.Deal
	for _, d := range l.deals {
		if d.RequestOrder == requestHash {
			out = append(out, d)
		}
	}
	return out, nil
}

// SetScript 覆盖单个任务的状态序列，从头开始推进。
func (l *Ledger) SetScript(taskID market.Hash, detail string, states ...market.TaskState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tk, ok := l.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if len(states) == 0 {
		return fmt.Errorf("empty script for task %s", taskID)
	}
	tk.script = append([]market.TaskState(nil), states...)
	tk.step = 0
	tk.state = states[0]
	if detail != "" {
		tk.detail = detail
	}
	return nil
}

// TaskStatus 返回任务当前状态并推进一步。与链上语义一致，未知任务为 UNSET。
func (l *Ledger) TaskStatus(ctx context.Context, taskID market.Hash) (market.TaskStatus, error) {
	if err := ctx.Err(); err != nil {
		return market.TaskStatus{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tk, ok := l.tasks[taskID]
	if !ok {
		return market.TaskStatus{TaskID: taskID, State: market.TaskUnset}, nil
	}
	st := tk.script[tk.step]
	if st != tk.state {
		tk.state = st
		tk.updated = l.opts.Now()
	}
	if tk.step < len(tk.script)-1 {
		tk.step++
	}
	status := market.TaskStatus{TaskID: taskID, State: st, UpdatedAt: tk.updated}
	switch st {
	case market.TaskFailed:
		status.Detail = tk.detail
	case market.TaskCompleted:
		status.ResultLocation = "/v1/results/" + taskID.String()
	}
	return status, nil
}

// Result 返回已完成任务的结果归档。
func (l *Ledger) Result(ctx context.Context, taskID market.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tk, ok := l.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if st := tk.state; st != market.TaskCompleted {
		return nil, &market.NotReadyError{TaskID: taskID, State: st}
	}
	if tk.result == nil {
		data, err := l.opts.Results(taskID, tk.deal, tk.request)
		if err != nil {
			return nil, fmt.Errorf("build result of %s: %w", taskID, err)
		}
		tk.result = data
	}
	return tk.result, nil
}
