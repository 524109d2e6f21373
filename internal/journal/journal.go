// Package journal 是基于 pebble 的本地执行日志：每个执行按顺序追加阶段记录，
// 进程崩溃后可据此恢复对任务的观察。
package journal

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"

	"marketrun/internal/notify"
)

// ErrNotFound 表示执行 ID 没有任何记录。
var ErrNotFound = errors.New("execution not found")

const prefix = "exec/"

// Record 是一条阶段记录。每条记录都携带到该阶段为止已知的全部上下文，
// 因此最新一条即足以恢复执行。
type Record struct {
	ExecutionID string       `cbor:"1,keyasint" json:"executionId"`
	Seq         uint64       `cbor:"2,keyasint" json:"seq"`
	Stage       notify.Stage `cbor:"3,keyasint" json:"stage"`
	RequestHash string       `cbor:"4,keyasint,omitempty" json:"requestHash,omitempty"`
	DealID      string       `cbor:"5,keyasint,omitempty" json:"dealId,omitempty"`
	TaskIndex   uint64       `cbor:"6,keyasint" json:"taskIndex"`
	TaskID      string       `cbor:"7,keyasint,omitempty" json:"taskId,omitempty"`
	State       string       `cbor:"8,keyasint,omitempty" json:"state,omitempty"`
	DestDir     string       `cbor:"9,keyasint,omitempty" json:"destDir,omitempty"`
	Output      string       `cbor:"10,keyasint,omitempty" json:"output,omitempty"`
	Error       string       `cbor:"11,keyasint,omitempty" json:"error,omitempty"`
	At          time.Time    `cbor:"12,keyasint" json:"at"`
}

// Finished 表示执行已取回结果或以失败告终。
func (r Record) Finished() bool {
	return r.Stage == notify.StageRetrieved || r.Stage == notify.StageFailed
}

// Summary 概括一次执行。
type Summary struct {
	ExecutionID string
	Started     time.Time
	Records     int
	Latest      Record
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Journal 是追加式执行日志，可被多个工作流并发使用。
type Journal struct {
	db *pebble.DB
	mu sync.Mutex
}

// Open 打开（或创建）dir 下的日志库。
func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dir, err)
	}
	return &Journal{db: db}, nil
}

// Close 关闭底层存储，之后不能再读写。
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append 追加一条记录并同步落盘，返回带序号与时间戳的记录。
func (j *Journal) Append(r Record) (Record, error) {
	if r.ExecutionID == "" {
		return Record{}, errors.New("journal record without execution id")
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	last, err := j.latest(r.ExecutionID)
	switch {
	case errors.Is(err, ErrNotFound):
		r.Seq = 1
	case err != nil:
		return Record{}, err
	default:
		r.Seq = last.Seq + 1
	}

	val, err := encMode.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("encode journal record: %w", err)
	}
	if err := j.db.Set(keyFor(r.ExecutionID, r.Seq), val, pebble.Sync); err != nil {
		return Record{}, fmt.Errorf("write journal record: %w", err)
	}
	return r, nil
}

// Latest 返回执行的最新记录。
func (j *Journal) Latest(id string) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.latest(id)
}

func (j *Journal) latest(id string) (Record, error) {
	lower, upper := bounds(id)
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return Record{}, err
	}
	defer iter.Close()
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decode(iter.Value())
}

// History 按顺序返回执行的全部记录。
func (j *Journal) History(id string) ([]Record, error) {
	lower, upper := bounds(id)
	var out []Record
	err := j.scan(lower, upper, func(r Record) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return out, nil
}

// List 返回所有执行的摘要，按开始时间排序。
func (j *Journal) List() ([]Summary, error) {
	byID := map[string]*Summary{}
	err := j.scan([]byte(prefix), []byte(prefix+"\xff"), func(r Record) error {
		s, ok := byID[r.ExecutionID]
		if !ok {
			s = &Summary{ExecutionID: r.ExecutionID, Started: r.At}
			byID[r.ExecutionID] = s
		}
		s.Records++
		s.Latest = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(byID))
	for _, s := range byID {
		out = append(out, *s)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].Started.Equal(out[b].Started) {
			return out[a].Started.Before(out[b].Started)
		}
		return out[a].ExecutionID < out[b].ExecutionID
	})
	return out, nil
}

// Unfinished 返回尚未取回结果也未失败的执行。
func (j *Journal) Unfinished() ([]Summary, error) {
	all, err := j.List()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if !s.Latest.Finished() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (j *Journal) scan(lower, upper []byte, fn func(Record) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		r, err := decode(iter.Value())
		if err != nil {
			return fmt.Errorf("journal key %q: %w", iter.Key(), err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return iter.Error()
}

func decode(b []byte) (Record, error) {
	var r Record
	if err := cbor.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode journal record: %w", err)
	}
	return r, nil
}

// keyFor 形如 exec/<id>/<seq>，seq 定长补零以保证字典序即追加序。
func keyFor(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefix, id, seq))
}

func bounds(id string) ([]byte, []byte) {
	lower := []byte(prefix + id + "/")
	upper := append(bytes.Clone(lower[:len(lower)-1]), '0') // '/'+1
	return lower, upper
}
