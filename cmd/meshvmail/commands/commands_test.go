package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/meshvmail/internal/testutil/testlog"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return out.String(), err
}

func TestConfigInitThenValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "meshvmail.toml")
	if _, err := run(t, "config", "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	out, err := run(t, "config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "chunk_size=180") || !strings.Contains(out, "retry_count=3") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSendRequiresOnePayloadSource(t *testing.T) {
	testlog.Start(t)
	if _, err := run(t, "send", "--config", "missing.toml"); err == nil {
		t.Fatalf("expected error without payload flags")
	}
}
