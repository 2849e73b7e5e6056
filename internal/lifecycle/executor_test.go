package lifecycle

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCLIExecutorCapturesOutputAndExitCode(t *testing.T) {
	e := NewCLIExecutor("sh", 64, nil)
	res, err := e.Run(context.Background(), []string{"-c", "echo out; echo err >&2"}, nil, time.Minute)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Fatalf("expected merged stdout and stderr, got %q", res.Output)
	}

	res, err = e.Run(context.Background(), []string{"-c", "echo boom; exit 3"}, nil, time.Minute)
	if err == nil {
		t.Fatal("expected failure for non-zero exit")
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Output, "boom") {
		t.Fatalf("failure output not captured: %q", res.Output)
	}
}

func TestCLIExecutorPassesEnvironment(t *testing.T) {
	e := NewCLIExecutor("sh", 64, nil)
	res, err := e.Run(context.Background(), []string{"-c", "echo $CORE_PEER_LOCALMSPID"}, []string{"CORE_PEER_LOCALMSPID=Org1MSP"}, time.Minute)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(res.Output, "Org1MSP") {
		t.Fatalf("environment not passed through: %q", res.Output)
	}
}

func TestCLIExecutorRunDirRunsToolInDirectory(t *testing.T) {
	e := NewCLIExecutor("peer", 64, nil)
	dir := t.TempDir()
	res, err := e.RunDir(context.Background(), dir, "sh", []string{"-c", "pwd"}, time.Minute)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(res.Output, dir) {
		t.Fatalf("tool did not run in the source dir: %q", res.Output)
	}
}

func TestCLIExecutorKillsOnTimeout(t *testing.T) {
	e := NewCLIExecutor("sleep", 64, nil)
	start := time.Now()
	_, err := e.Run(context.Background(), []string{"10"}, nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout classification, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("command was not killed promptly")
	}
}

func TestCappedBufferTruncates(t *testing.T) {
	b := &cappedBuffer{limit: 8}
	b.Write([]byte("12345"))
	b.Write([]byte("67890"))
	out := b.String()
	if !strings.HasPrefix(out, "12345678") {
		t.Fatalf("unexpected prefix: %q", out)
	}
	if !strings.Contains(out, "truncated") {
		t.Fatalf("expected truncation marker: %q", out)
	}
}
