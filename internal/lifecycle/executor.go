// Package lifecycle drives chaincode deployment through the peer CLI:
// package, install, approve, commit readiness and commit.
package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// StepResult captures what one CLI invocation produced.
type StepResult struct {
	Output   string
	ExitCode int
}

// StepExecutor runs one lifecycle step. Implementations must honor the
// timeout and bound captured output.
type StepExecutor interface {
	Run(ctx context.Context, args []string, env []string, timeout time.Duration) (StepResult, error)
}

// ToolRunner runs a build tool inside the chaincode source tree, used for
// dependency vendoring before packaging.
type ToolRunner interface {
	RunDir(ctx context.Context, dir, binary string, args []string, timeout time.Duration) (StepResult, error)
}

// StepError carries the failing step's captured output for deployment records.
type StepError struct {
	Step     string
	ExitCode int
	Output   string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("lifecycle step %s failed (exit %d): %v", e.Step, e.ExitCode, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CLIExecutor shells out to the peer binary, merging stdout and stderr into a
// size-capped buffer.
type CLIExecutor struct {
	binary   string
	logLimit int
	log      *slog.Logger
}

func NewCLIExecutor(binary string, logLimitKB int, log *slog.Logger) *CLIExecutor {
	if binary == "" {
		binary = "peer"
	}
	if logLimitKB <= 0 {
		logLimitKB = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &CLIExecutor{binary: binary, logLimit: logLimitKB * 1024, log: log}
}

func (e *CLIExecutor) Run(ctx context.Context, args []string, env []string, timeout time.Duration) (StepResult, error) {
	return e.run(ctx, "", e.binary, args, env, timeout)
}

func (e *CLIExecutor) RunDir(ctx context.Context, dir, binary string, args []string, timeout time.Duration) (StepResult, error) {
	return e.run(ctx, dir, binary, args, nil, timeout)
}

func (e *CLIExecutor) run(ctx context.Context, dir, binary string, args []string, env []string, timeout time.Duration) (StepResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	buf := &cappedBuffer{limit: e.logLimit}
	cmd.Stdout = buf
	cmd.Stderr = buf

	start := time.Now()
	err := cmd.Run()
	result := StepResult{Output: buf.String(), ExitCode: 0}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("command timed out after %s", timeout)
		}
		e.log.Warn("lifecycle command failed",
			"binary", binary,
			"args", strings.Join(args, " "),
			"exit_code", result.ExitCode,
			"duration", time.Since(start),
		)
		return result, err
	}
	return result, nil
}

// cappedBuffer keeps the first limit bytes and drops the rest, so a chatty
// build log cannot balloon a deployment record.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remain := b.limit - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n...[output truncated]"
	}
	return b.buf.String()
}
