package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidOrderParams         = errors.New("invalid order params")
	ErrRegistryUnavailable        = errors.New("registry unavailable")
	ErrNoMatchingOrder            = errors.New("no matching order")
	ErrIncompatibleOrders         = errors.New("incompatible orders")
	ErrMatchRaceLost              = errors.New("match race lost")
	ErrInvalidDealID              = errors.New("invalid deal id")
	ErrTaskFailed                 = errors.New("task failed")
	ErrObservationTimeout         = errors.New("observation timeout")
	ErrResultNotReady             = errors.New("result not ready")
	ErrInvalidManifest            = errors.New("invalid manifest")
	ErrMissingDeterministicOutput = errors.New("missing deterministic output")
)

// ParamError lists every rejected field of an order.
type ParamError struct {
	Kind OrderKind
	Err  error
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid %s order params: %v", e.Kind, e.Err)
}

func (e *ParamError) Unwrap() []error { return joinCause(ErrInvalidOrderParams, e.Err) }

// RegistryError is a transport or protocol failure talking to a remote
// registry or settlement endpoint.
type RegistryError struct {
	Service string
	Op      string
	URL     string
	Status  int
	Err     error
}

func (e *RegistryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", e.Service, e.Op, e.URL)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RegistryError) Unwrap() []error { return joinCause(ErrRegistryUnavailable, e.Err) }

// NoMatchError reports a category with no compatible standing order.
type NoMatchError struct {
	Kind OrderKind
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no matching %s order", e.Kind)
}

func (e *NoMatchError) Is(target error) bool { return target == ErrNoMatchingOrder }

// Constraint names one clause of the order compatibility predicate.
type Constraint string

const (
	ConstraintTag         Constraint = "tag"
	ConstraintRestriction Constraint = "restriction"
	ConstraintPrice       Constraint = "price"
	ConstraintVolume      Constraint = "volume"
	ConstraintCategory    Constraint = "category"
)

// Violation is one failed clause, attributed to an order category.
type Violation struct {
	Constraint Constraint `json:"constraint"`
	Kind       OrderKind  `json:"kind"`
	Detail     string     `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s (%s): %s", v.Constraint, v.Kind, v.Detail)
}

// IncompatibleError carries every violated clause of a candidate match.
type IncompatibleError struct {
	Violations []Violation
}

func (e *IncompatibleError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "incompatible orders: " + strings.Join(parts, "; ")
}

func (e *IncompatibleError) Is(target error) bool { return target == ErrIncompatibleOrders }

// Constraints returns the distinct failing constraints in report order.
func (e *IncompatibleError) Constraints() []Constraint {
	seen := map[Constraint]bool{}
	var out []Constraint
	for _, v := range e.Violations {
		if !seen[v.Constraint] {
			seen[v.Constraint] = true
			out = append(out, v.Constraint)
		}
	}
	return out
}

// Has reports whether any violation is of constraint c.
func (e *IncompatibleError) Has(c Constraint) bool {
	for _, v := range e.Violations {
		if v.Constraint == c {
			return true
		}
	}
	return false
}

// RaceError means settlement refused the match because an order ran out of
// volume after validation. Re-run discovery before trying again.
type RaceError struct {
	Kind      OrderKind
	OrderHash Hash
	Detail    string
}

func (e *RaceError) Error() string {
	msg := fmt.Sprintf("match race lost on %s order %s", e.Kind, e.OrderHash)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *RaceError) Is(target error) bool { return target == ErrMatchRaceLost }

// DealIDError is a malformed or zero deal id.
type DealIDError struct {
	DealID string
	Err    error
}

func (e *DealIDError) Error() string {
	return fmt.Sprintf("invalid deal id %q: %v", e.DealID, e.Err)
}

func (e *DealIDError) Unwrap() []error { return joinCause(ErrInvalidDealID, e.Err) }

// TaskError is a task that reached FAILED.
type TaskError struct {
	TaskID Hash
	State  TaskState
	Detail string
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("task %s %s", e.TaskID, e.State)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TaskError) Is(target error) bool { return target == ErrTaskFailed }

// TimeoutError is the observer giving up. The task may still complete.
type TimeoutError struct {
	TaskID    Hash
	Timeout   time.Duration
	LastState TaskState
	Observed  bool
}

func (e *TimeoutError) Error() string {
	last := "never observed"
	if e.Observed {
		last = "last state " + e.LastState.String()
	}
	return fmt.Sprintf("task %s not terminal after %s (%s)", e.TaskID, e.Timeout, last)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrObservationTimeout }

// NotReadyError is a result requested before the task completed.
type NotReadyError struct {
	TaskID Hash
	State  TaskState
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("result of task %s not ready: state %s", e.TaskID, e.State)
}

func (e *NotReadyError) Is(target error) bool { return target == ErrResultNotReady }

func joinCause(kind, cause error) []error {
	if cause == nil {
		return []error{kind}
	}
	return []error{kind, cause}
}
