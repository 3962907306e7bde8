package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/shlex"

	"github.com/utilitywarehouse/github-mirror/runner"
)

// CommandRunner runs a single external command to completion and reports
// its outcome. Implemented by *runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, cwd string, timeout time.Duration, envs []string, name string, args ...string) (runner.Result, error)
}

// Store maintains the bare mirror directories under a config's
// BaseMirrorDir. It holds no per-mirror state of its own, everything is
// derived from the config passed to UpdateMirrors and from the disk.
// Callers must serialize UpdateMirrors calls, the store does not lock the
// mirror tree.
type Store struct {
	gitExec    string
	run        CommandRunner
	commonEnvs []string // envs passed to every git command
	log        *slog.Logger
	tokens     *tokenSource
}

// NewStore creates a store which invokes gitExec via run. commonEnvs are
// passed to every git command in addition to any credential envs.
func NewStore(gitExec string, run CommandRunner, commonEnvs []string, log *slog.Logger) *Store {
	if gitExec == "" {
		gitExec = "git"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		gitExec:    gitExec,
		run:        run,
		commonEnvs: commonEnvs,
		log:        log,
		tokens:     &tokenSource{},
	}
}

// UpdateMirrors brings the named mirrors up to date with their remotes,
// all configured mirrors when names is empty. Names not in the config are
// ignored. A mirror whose directory is absent or empty is cloned with
// `git clone --mirror`, an existing one is updated with `git fetch`.
//
// Mirrors are processed sequentially in config order. A failing mirror is
// logged and recorded in metrics but does not stop the remaining ones, the
// collected failures are returned at the end. The call fails upfront if
// BaseMirrorDir does not exist as a directory, it is never created here.
func (s *Store) UpdateMirrors(ctx context.Context, cfg *Config, names []string) error {
	fi, err := os.Stat(cfg.BaseMirrorDir)
	if err != nil {
		return fmt.Errorf("unable to stat base mirror dir '%s' err:%w", cfg.BaseMirrorDir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("base mirror dir '%s' is not a directory", cfg.BaseMirrorDir)
	}

	var errs []error
	for _, mc := range cfg.SelectMirrors(names) {
		if err := s.updateMirror(ctx, cfg, mc); err != nil {
			s.log.Error("unable to update mirror", "mirror", mc.Name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", mc.Name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", errs)
	}

	return nil
}

func (s *Store) updateMirror(ctx context.Context, cfg *Config, mc RepoConfig) error {
	start := time.Now()
	defer updateMirrorLatency(mc.Name, start)

	dir := filepath.Join(cfg.BaseMirrorDir, mc.Name+".git")

	empty, err := absentOrEmptyDir(dir)
	if err != nil {
		recordGitMirror(mc.Name, false)
		return fmt.Errorf("unable to check mirror dir err:%w", err)
	}

	// a dir with any content at all is taken for a valid mirror and
	// fetched, even if a previous clone was cut short partway
	action := "fetch"
	var gitArgs []string
	var cwd string
	var timeout time.Duration
	if empty {
		s.log.Info("mirror directory absent or empty, cloning", "mirror", mc.Name, "path", dir)
		action = "clone"
		gitArgs = []string{"clone", "--mirror", mc.URL, mc.Name + ".git"}
		cwd = cfg.BaseMirrorDir
		timeout = cfg.CloneTimeout
	} else {
		gitArgs = []string{"fetch", "-q"}
		cwd = dir
		timeout = cfg.FetchTimeout
	}

	argv, err := shlex.Split(mc.Wrapper)
	if err != nil {
		recordGitMirror(mc.Name, false)
		return fmt.Errorf("unable to parse wrapper err:%w", err)
	}
	argv = append(argv, s.gitExec)
	argv = append(argv, gitArgs...)

	res, err := s.run.Run(ctx, cwd, timeout, s.gitEnv(ctx, cfg, mc), argv[0], argv[1:]...)
	recordGitMirror(mc.Name, err == nil && res.ExitCode == 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git exited with code %d { stdout: %q, stderr: %q }", res.ExitCode, res.Stdout, res.Stderr)
	}

	s.log.Info("mirror updated", "mirror", mc.Name, "action", action, "time", time.Since(start))
	return nil
}

func absentOrEmptyDir(path string) (bool, error) {
	dirents, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(dirents) == 0, nil
}
