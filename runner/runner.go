// Package runner executes external commands with a bounded execution time
// and fully captured output. It is the only place in the repo that spawns
// processes; callers get back the exit code and trimmed stdout/stderr and
// decide for themselves whether a nonzero exit is fatal.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const levelTrace = slog.Level(-8)

// killGracePeriod is how long a spawned process and its children get to
// exit after the kill signal before Run gives up waiting on them.
const killGracePeriod = 5 * time.Second

// ErrTimeout reports that a command was killed because its timeout elapsed
// before it exited. It is a distinct condition from a nonzero exit code
// and from a spawn failure.
var ErrTimeout = errors.New("command timed out")

// Result is the outcome of a finished command. ExitCode is -1 when the
// process was killed or never ran.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner spawns external commands. The zero value is not usable, use New.
type Runner struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log}
}

// Run executes name with the given arguments in cwd and blocks until the
// process exits or timeout elapses. A timeout of zero means no limit
// beyond ctx. Output is captured fully in memory, trailing whitespace
// trimmed.
//
// The returned error is non-nil only for a timeout (ErrTimeout), a
// cancelled ctx or a spawn failure such as a missing executable. A process
// that ran to completion with a nonzero exit code returns a nil error and
// the code in Result.ExitCode.
func (r *Runner) Run(ctx context.Context, cwd string, timeout time.Duration, envs []string, name string, args ...string) (Result, error) {
	cmdStr := name + " " + strings.Join(args, " ")
	r.log.Log(ctx, levelTrace, "running command", "cwd", cwd, "cmd", cmdStr)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	// force kill the command & child process killGracePeriod after
	// sending it the kill signal (when ctx is cancelled/timed out)
	cmd.WaitDelay = killGracePeriod
	if cwd != "" {
		cmd.Dir = cwd
	}
	outbuf := bytes.NewBuffer(nil)
	errbuf := bytes.NewBuffer(nil)
	cmd.Stdout = outbuf
	cmd.Stderr = errbuf

	// If Env is nil, the new process uses the current process's
	// environment. commands here only ever get what the caller passes.
	cmd.Env = []string{}
	if len(envs) > 0 {
		cmd.Env = append(cmd.Env, envs...)
	}

	start := time.Now()
	runErr := cmd.Run()
	runTime := time.Since(start)

	res := Result{
		Stdout: strings.TrimSpace(outbuf.String()),
		Stderr: strings.TrimSpace(errbuf.String()),
	}

	var spawnErr error
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		// ExitCode is -1 when the process was killed by a signal
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		spawnErr = runErr
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("Run(%s): err:%w { stdout: %q, stderr: %q }", cmdStr, ErrTimeout, res.Stdout, res.Stderr)
	case ctx.Err() != nil:
		return res, fmt.Errorf("Run(%s): err:%w", cmdStr, ctx.Err())
	case spawnErr != nil:
		return res, fmt.Errorf("Run(%s): err:%w { stdout: %q, stderr: %q }", cmdStr, spawnErr, res.Stdout, res.Stderr)
	}

	r.log.Log(ctx, levelTrace, "command result",
		"cwd", cwd, "exit-code", res.ExitCode, "stdout", res.Stdout, "stderr", res.Stderr, "time", runTime)

	return res, nil
}
