package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketrun/internal/logging"
	"marketrun/internal/market"
	"marketrun/internal/notify"
)

var taskID = market.Keccak256([]byte("task"))

// scriptedReader replays a fixed sequence of states; the last one repeats.
// Its position survives across observers, like a chain that keeps advancing.
type scriptedReader struct {
	mu     sync.Mutex
	states []market.TaskStatus
	calls  int
	err    error
}

func script(states ...market.TaskState) *scriptedReader {
	r := &scriptedReader{}
	for _, s := range states {
		r.states = append(r.states, market.TaskStatus{TaskID: taskID, State: s})
	}
	return r
}

func (r *scriptedReader) TaskStatus(ctx context.Context, id market.Hash) (market.TaskStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return market.TaskStatus{}, r.err
	}
	i := r.calls
	if i >= len(r.states) {
		i = len(r.states) - 1
	}
	r.calls++
	return r.states[i], nil
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func newObserver(t *testing.T, r StateReader, n notify.Notifier) *Observer {
	t.Helper()
	o, err := New(r, Config{Interval: time.Millisecond, Timeout: time.Second, Log: logging.Nop(), Notifier: n})
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}
	return o
}

func TestObserveFiveTicksFourNotifications(t *testing.T) {
	reader := script(market.TaskUnset, market.TaskActive, market.TaskActive, market.TaskRevealing, market.TaskCompleted)
	rec := &recorder{}
	obs, err := newObserver(t, reader, rec).Observe(context.Background(), taskID, 0)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if obs.Polls != 5 {
		t.Fatalf("expected 5 polls, got %d", obs.Polls)
	}
	if obs.Status.State != market.TaskCompleted {
		t.Fatalf("expected COMPLETED, got %s", obs.Status.State)
	}
	want := []string{"UNSET", "ACTIVE", "REVEALING", "COMPLETED"}
	if len(rec.events) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(rec.events))
	}
	for i, ev := range rec.events {
		if ev.State != want[i] || ev.Stage != notify.StageTask || ev.TaskID != taskID.String() {
			t.Fatalf("notification %d: unexpected %+v", i, ev)
		}
	}
}

func TestObserveFailedTask(t *testing.T) {
	reader := script(market.TaskActive, market.TaskFailed)
	reader.states[1].Detail = "enclave attestation rejected"
	_, err := newObserver(t, reader, nil).Observe(context.Background(), taskID, 0)
	if !errors.Is(err, market.ErrTaskFailed) {
		t.Fatalf("expected ErrTaskFailed, got %v", err)
	}
	var te *market.TaskError
	if !errors.As(err, &te) || te.Detail != "enclave attestation rejected" || te.State != market.TaskFailed {
		t.Fatalf("expected failure detail, got %#v", err)
	}
}

func TestObserveTimeoutKeepsLastState(t *testing.T) {
	reader := script(market.TaskActive)
	_, err := newObserver(t, reader, nil).Observe(context.Background(), taskID, 20*time.Millisecond)
	if !errors.Is(err, market.ErrObservationTimeout) {
		t.Fatalf("expected ErrObservationTimeout, got %v", err)
	}
	var te *market.TimeoutError
	if !errors.As(err, &te) || !te.Observed || te.LastState != market.TaskActive {
		t.Fatalf("expected last state ACTIVE, got %#v", err)
	}
}

func TestObserveCancellationStopsPromptly(t *testing.T) {
	reader := script(market.TaskActive)
	o, err := New(reader, Config{Interval: 10 * time.Millisecond, Log: logging.Nop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(25*time.Millisecond, cancel)

	start := time.Now()
	_, err = o.Observe(ctx, taskID, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, market.ErrObservationTimeout) {
		t.Fatalf("cancellation must not look like a timeout")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancellation took too long")
	}
}

func TestObservePropagatesReaderErrors(t *testing.T) {
	boom := errors.New("settlement rpc down")
	reader := script(market.TaskActive)
	reader.err = boom
	obs, err := newObserver(t, reader, nil).Observe(context.Background(), taskID, 0)
	if !errors.Is(err, boom) {
		t.Fatalf("expected reader error, got %v", err)
	}
	if obs.Polls != 1 {
		t.Fatalf("expected no retry, got %d polls", obs.Polls)
	}
}

func TestObserveResumesToSameTerminalResult(t *testing.T) {
	reader := script(market.TaskUnset, market.TaskActive, market.TaskActive, market.TaskActive, market.TaskRevealing, market.TaskCompleted)
	o := newObserver(t, reader, nil)

	// first observer "crashes" before the task finishes
	ctx, cancel := context.WithCancel(context.Background())
	crashAfter := notify.Func(func(_ context.Context, ev notify.Event) error {
		if ev.State == "ACTIVE" {
			cancel()
		}
		return nil
	})
	if _, err := o.ObserveNotify(ctx, taskID, 0, crashAfter); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected simulated crash, got %v", err)
	}

	first, err := o.Observe(context.Background(), taskID, 0)
	if err != nil {
		t.Fatalf("resumed observe: %v", err)
	}
	second, err := o.Observe(context.Background(), taskID, 0)
	if err != nil {
		t.Fatalf("repeated observe: %v", err)
	}
	if first.Status != second.Status || second.Status.State != market.TaskCompleted {
		t.Fatalf("observations diverged: %+v vs %+v", first.Status, second.Status)
	}
	if second.Polls != 1 {
		t.Fatalf("terminal task should resolve on first poll, got %d", second.Polls)
	}
}
