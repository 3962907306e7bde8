package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/utilitywarehouse/github-mirror/runner"
)

const (
	testUpstreamRepo = "upstream1"
	testMainBranch   = "e2e-main"
	testGitUser      = "github-mirror-e2e"
)

var (
	testLog  = slog.Default()
	testCtx  = context.TODO()
	testENVs []string
)

func TestMain(m *testing.M) {
	t := &testing.T{}

	testTmpDir := mustTmpDir(t)

	testENVs = []string{
		fmt.Sprintf("GIT_CONFIG_GLOBAL=%s/gitconfig", testTmpDir),
		`GIT_CONFIG_SYSTEM=/dev/null`,
	}

	mustExec(t, "", "git", "config", "--global", "user.name", testGitUser)
	mustExec(t, "", "git", "config", "--global", "user.email", testGitUser+"@example.com")

	code := m.Run()

	// clean up
	os.RemoveAll(testTmpDir)

	os.Exit(code)
}

func Test_e2e_clone_then_fetch(t *testing.T) {
	testTmpDir := mustTmpDir(t)
	defer os.RemoveAll(testTmpDir)

	upstream := filepath.Join(testTmpDir, testUpstreamRepo)
	base := filepath.Join(testTmpDir, "mirrors")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatal(err)
	}

	t.Log("TEST1: init upstream and mirror it with a clone")
	c1 := mustInitRepo(t, upstream, "file", t.Name())

	cfg := &Config{
		BaseMirrorDir: base,
		Mirrors:       []RepoConfig{{Name: testUpstreamRepo, URL: "file://" + upstream}},
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		t.Fatalf("unable to validate config error: %v", err)
	}

	store := NewStore("git", runner.New(testLog), testENVs, testLog)

	if err := store.UpdateMirrors(testCtx, cfg, nil); err != nil {
		t.Fatalf("unable to update mirrors error: %v", err)
	}

	mirrorDir := filepath.Join(base, testUpstreamRepo+".git")
	if got := mustExec(t, mirrorDir, "git", "rev-list", "-n1", "HEAD"); got != c1 {
		t.Errorf("mirror HEAD = %s, want %s", got, c1)
	}

	t.Log("TEST2: commit upstream and update the existing mirror with a fetch")
	c2 := mustCommit(t, upstream, "file", t.Name()+"-updated")

	if err := store.UpdateMirrors(testCtx, cfg, []string{testUpstreamRepo}); err != nil {
		t.Fatalf("unable to update mirrors error: %v", err)
	}

	if got := mustExec(t, mirrorDir, "git", "rev-list", "-n1", "HEAD"); got != c2 {
		t.Errorf("mirror HEAD = %s, want %s", got, c2)
	}

	t.Log("TEST3: mirror dir must be bare")
	if got := mustExec(t, mirrorDir, "git", "rev-parse", "--is-bare-repository"); got != "true" {
		t.Errorf("is-bare-repository = %s, want true", got)
	}
}

func Test_e2e_clone_into_empty_dir(t *testing.T) {
	testTmpDir := mustTmpDir(t)
	defer os.RemoveAll(testTmpDir)

	upstream := filepath.Join(testTmpDir, testUpstreamRepo)
	base := filepath.Join(testTmpDir, "mirrors")

	c1 := mustInitRepo(t, upstream, "file", t.Name())

	// pre-created but empty mirror dir is cloned into, not fetched
	if err := os.MkdirAll(filepath.Join(base, testUpstreamRepo+".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		BaseMirrorDir: base,
		Mirrors:       []RepoConfig{{Name: testUpstreamRepo, URL: "file://" + upstream}},
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		t.Fatalf("unable to validate config error: %v", err)
	}

	store := NewStore("git", runner.New(testLog), testENVs, testLog)

	if err := store.UpdateMirrors(testCtx, cfg, nil); err != nil {
		t.Fatalf("unable to update mirrors error: %v", err)
	}

	mirrorDir := filepath.Join(base, testUpstreamRepo+".git")
	if got := mustExec(t, mirrorDir, "git", "rev-list", "-n1", "HEAD"); got != c1 {
		t.Errorf("mirror HEAD = %s, want %s", got, c1)
	}
}

func mustInitRepo(t *testing.T, repo, file, content string) string {
	t.Helper()

	if err := os.RemoveAll(repo); err != nil {
		t.Fatalf("unable to remove old repo err: %v", err)
	}
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatalf("unable to create repo dir err: %v", err)
	}

	mustExec(t, repo, "git", "init", "-q", "-b", testMainBranch)

	return mustCommit(t, repo, file, content)
}

func mustCommit(t *testing.T, repo, file, content string) string {
	t.Helper()

	if err := os.WriteFile(filepath.Join(repo, file), []byte(content), 0o644); err != nil {
		t.Fatalf("unable to write to file err: %v", err)
	}
	mustExec(t, repo, "git", "add", file)
	mustExec(t, repo, "git", "commit", "-m", content)
	return mustExec(t, repo, "git", "rev-list", "-n1", "HEAD")
}

func mustTmpDir(t *testing.T) string {
	t.Helper()

	testTmpDir, err := os.MkdirTemp("", "github-mirror-e2e-*")
	if err != nil {
		t.Fatalf("unable to make dir: %v", err)
	}
	return testTmpDir
}

func mustExec(t *testing.T, cwd string, name string, arg ...string) string {
	t.Helper()

	cmd := exec.Command(name, arg...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	cmd.Env = testENVs

	stdoutStderr, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("err:%v run(%s): { stdoutStderr %q }", err, cmd.String(), stdoutStderr)
	}
	return strings.TrimSpace(string(stdoutStderr))
}
