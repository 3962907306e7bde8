package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRun(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Result
	}{
		{
			"stdout_and_stderr",
			[]string{"-c", "echo out; echo err 1>&2"},
			Result{ExitCode: 0, Stdout: "out", Stderr: "err"},
		},
		{
			"nonzero_exit_is_not_an_error",
			[]string{"-c", "echo failing 1>&2; exit 3"},
			Result{ExitCode: 3, Stdout: "", Stderr: "failing"},
		},
		{
			"trailing_whitespace_trimmed",
			[]string{"-c", "printf 'a b \\n\\n'"},
			Result{ExitCode: 0, Stdout: "a b", Stderr: ""},
		},
	}
	r := New(testLog)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Run(context.Background(), "", time.Minute, nil, "sh", tt.args...)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Run() result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRun_Cwd(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("here\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := New(testLog)
	got, err := r.Run(context.Background(), dir, time.Minute, nil, "sh", "-c", "cat marker.txt")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Stdout != "here" {
		t.Errorf("Run() stdout = %q, want %q", got.Stdout, "here")
	}
}

func TestRun_Env(t *testing.T) {
	r := New(testLog)

	// only the given envs are visible to the command
	got, err := r.Run(context.Background(), "", time.Minute, []string{"FOO=bar"}, "sh", "-c", `echo "$FOO"`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Stdout != "bar" {
		t.Errorf("Run() stdout = %q, want %q", got.Stdout, "bar")
	}

	got, err = r.Run(context.Background(), "", time.Minute, nil, "sh", "-c", `echo "${FOO:-unset}"`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Stdout != "unset" {
		t.Errorf("Run() stdout = %q, want %q", got.Stdout, "unset")
	}
}

func TestRun_Timeout(t *testing.T) {
	r := New(testLog)
	start := time.Now()
	_, err := r.Run(context.Background(), "", 100*time.Millisecond, nil, "sh", "-c", "sleep 10")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	// the command must be killed shortly after the timeout, not after
	// sleep finishes
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() returned after %s, want well under the sleep duration", elapsed)
	}
}

func TestRun_SpawnFailure(t *testing.T) {
	r := New(testLog)
	got, err := r.Run(context.Background(), "", time.Minute, nil, "/no/such/binary")
	if err == nil {
		t.Fatal("Run() error = nil, want spawn failure")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want a non-timeout error", err)
	}
	if got.ExitCode != -1 {
		t.Errorf("Run() exit code = %d, want -1", got.ExitCode)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(testLog)
	_, err := r.Run(ctx, "", time.Minute, nil, "sh", "-c", "sleep 10")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}
