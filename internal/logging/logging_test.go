package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "marketrun.log")
	logger, err := Setup(Config{Level: "debug", Format: "json", Outputs: []string{path}})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	Default(nil).Infof("matched deal %s", "0xabc")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "matched deal 0xabc") {
		t.Fatalf("expected message in log file, got %q", data)
	}
}

func TestDefaultKeepsExplicitLogger(t *testing.T) {
	l := Nop()
	if Default(l) != l {
		t.Fatalf("expected explicit logger to be kept")
	}
}
