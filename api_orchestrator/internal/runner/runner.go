// Package runner executes task commands as child processes with a timeout,
// capturing their output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"curator/pkg/logging"
)

// Status is the outcome of one run.
type Status string

const (
	Success Status = "success"
	Failed  Status = "failed"
	Timeout Status = "timeout"
	Error   Status = "error"
	DryRun  Status = "dry_run"
)

// Failed reports whether s counts toward a failure streak.
func (s Status) Failed() bool {
	return s == Failed || s == Timeout || s == Error
}

// Result is what a run produced.
type Result struct {
	Status   Status
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

const waitDelay = 5 * time.Second

// Runner starts commands in Dir with Env.
type Runner struct {
	Dir    string
	Env    []string
	Logger logging.Logger
}

// Run executes argv and waits for it, killing the whole process group once
// timeout elapses or ctx is cancelled. It never returns an error: start
// failures and timeouts are reported in the Result with exit code -1.
func (r *Runner) Run(ctx context.Context, argv []string, timeout time.Duration) Result {
	res := Result{Command: strings.Join(argv, " ")}
	if len(argv) == 0 {
		res.Status, res.ExitCode, res.Stderr = Error, -1, "empty command"
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = r.Env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	switch {
	case err == nil:
		res.Status = Success
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status, res.ExitCode = Timeout, -1
		res.Stderr = appendLine(res.Stderr, "timed out after "+timeout.String())
	case cmd.ProcessState != nil && cmd.ProcessState.Exited():
		res.Status, res.ExitCode = Failed, cmd.ProcessState.ExitCode()
	default:
		res.Status, res.ExitCode = Error, -1
		res.Stderr = appendLine(res.Stderr, err.Error())
	}

	if r.Logger != nil {
		r.Logger.WithFields(logging.Fields{
			"command":  res.Command,
			"status":   res.Status,
			"exit":     res.ExitCode,
			"duration": res.Duration.Round(time.Millisecond).String(),
		}).Debug("Command finished")
	}
	return res
}

func appendLine(s, line string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}
