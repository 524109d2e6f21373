package main

import (
	"testing"

	"marketrun/internal/market"
)

func TestParseScript(t *testing.T) {
	states, err := parseScript("ACTIVE, revealing,COMPLETED")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []market.TaskState{market.TaskActive, market.TaskRevealing, market.TaskCompleted}
	if len(states) != len(want) {
		t.Fatalf("got %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state %d: got %s want %s", i, states[i], want[i])
		}
	}
	if states, err := parseScript(" "); err != nil || states != nil {
		t.Fatalf("empty script should select the default, got %v %v", states, err)
	}
	if _, err := parseScript("ACTIVE,DONE"); err == nil {
		t.Fatalf("unknown state accepted")
	}
}
