package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"marketrun/internal/market"
	"marketrun/internal/order"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&market.TimeoutError{}, 3},
		{fmt.Errorf("observe: %w", context.Canceled), 130},
		{&market.TaskError{State: market.TaskFailed}, 4},
		{&market.DealIDError{DealID: "0x", Err: fmt.Errorf("short")}, 2},
		{fmt.Errorf("boom"), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestKeygenWritesLoadableKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.key")
	if err := keygenCmd(context.Background(), &env{}, []string{"--out", path}); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("key file: %v %v", info, err)
	}
	if _, err := order.LoadKeySigner(path); err != nil {
		t.Fatalf("generated key does not load: %v", err)
	}
	if err := keygenCmd(context.Background(), &env{}, []string{"--out", path}); err == nil {
		t.Fatalf("keygen must not overwrite an existing key")
	}
}

func TestOverrideParamsOnlyAppliesChangedFlags(t *testing.T) {
	fs, _ := newFlagSet("run")
	var inline order.Params
	fs.StringVar(&inline.App, "app", "", "")
	fs.StringVar(&inline.Tag, "tag", "", "")
	fs.StringVar(&inline.Params, "params", "", "")
	fs.StringVar(&inline.Dataset, "dataset", "", "")
	fs.StringVar(&inline.Workerpool, "workerpool", "", "")
	fs.StringVar(&inline.MaxTag, "max-tag", "", "")
	fs.Int64Var(&inline.Category, "category", 0, "")
	fs.Int64Var(&inline.Volume, "volume", 1, "")
	fs.Int64Var(&inline.AppMaxPrice, "app-max-price", 0, "")
	fs.Int64Var(&inline.DatasetMaxPrice, "dataset-max-price", 0, "")
	fs.Int64Var(&inline.WorkerpoolMaxPrice, "workerpool-max-price", 0, "")
	if err := fs.Parse([]string{"--tag", "tee,gpu", "--app-max-price", "7"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	file := order.Params{App: "0xa000000000000000000000000000000000000001", Tag: "tee", Volume: 3, AppMaxPrice: 1}
	got := overrideParams(fs, file, inline)
	if got.App != file.App || got.Volume != 3 {
		t.Fatalf("unchanged flags must keep file values: %+v", got)
	}
	if got.Tag != "tee,gpu" || got.AppMaxPrice != 7 {
		t.Fatalf("changed flags must override: %+v", got)
	}
}
