package market

import (
	"fmt"
	"strings"
	"time"
)

// TaskState is the on-chain lifecycle state of a task. The client only
// observes it; workers and settlement advance it.
type TaskState uint8

const (
	TaskUnset TaskState = iota
	TaskActive
	TaskRevealing
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskUnset:
		return "UNSET"
	case TaskActive:
		return "ACTIVE"
	case TaskRevealing:
		return "REVEALING"
	case TaskCompleted:
		return "COMPLETED"
	case TaskFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// IsTerminal reports whether no further transition can happen.
func (s TaskState) IsTerminal() bool { return s == TaskCompleted || s == TaskFailed }

// ParseTaskState accepts a state name in any case. An empty string is
// TaskUnset.
func ParseTaskState(s string) (TaskState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNSET", "":
		return TaskUnset, nil
	case "ACTIVE":
		return TaskActive, nil
	case "REVEALING":
		return TaskRevealing, nil
	case "COMPLETED":
		return TaskCompleted, nil
	case "FAILED":
		return TaskFailed, nil
	default:
		return TaskUnset, fmt.Errorf("unknown task state %q", s)
	}
}

func (s TaskState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *TaskState) UnmarshalText(b []byte) error {
	parsed, err := ParseTaskState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// TaskStatus is one observation of a task as reported by settlement.
type TaskStatus struct {
	TaskID         Hash      `json:"taskId"`
	State          TaskState `json:"state"`
	Detail         string    `json:"detail,omitempty"`
	ResultLocation string    `json:"resultLocation,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

// Deal is the settlement record created by a successful match.
type Deal struct {
	ID              Hash   `json:"dealId"`
	TxHash          Hash   `json:"txHash"`
	AppOrder        Hash   `json:"appOrderHash"`
	DatasetOrder    Hash   `json:"datasetOrderHash,omitempty"`
	WorkerpoolOrder Hash   `json:"workerpoolOrderHash"`
	RequestOrder    Hash   `json:"requestOrderHash"`
	BotFirst        uint64 `json:"botFirst"`
	BotSize         uint64 `json:"botSize"`
}
