package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/utilitywarehouse/github-mirror/auth"
	"github.com/utilitywarehouse/github-mirror/giturl"
	"github.com/utilitywarehouse/github-mirror/internal/lock"
)

const loadCredsScript = `#!/bin/sh

case "$1" in
  Username*) echo "$REPO_USERNAME" ;;
  Password*) echo "$REPO_PASSWORD" ;;
esac
`

// gitEnv returns the env vars for the mirror's git commands: the store's
// common envs plus, for https github.com remotes with app auth configured,
// a GIT_ASKPASS credential helper loaded with an installation token.
func (s *Store) gitEnv(ctx context.Context, cfg *Config, mc RepoConfig) []string {
	envs := slices.Clone(s.commonEnvs)

	if cfg.Auth.GithubAppInstallationID == "" || !giturl.IsHTTPSURL(mc.URL) {
		return envs
	}

	gURL, err := giturl.Parse(mc.URL)
	if err != nil || gURL.Host != "github.com" {
		return envs
	}

	// github matches repo name without `.git` for permission for token req
	token, err := s.tokens.token(ctx, cfg.Auth, strings.TrimSuffix(gURL.Repo, ".git"))
	if err != nil {
		s.log.Error("unable to get github app token", "mirror", mc.Name, "err", err)
		return envs
	}

	credsLoader, err := s.ensureCredsLoader(cfg.BaseMirrorDir)
	if err != nil {
		s.log.Error("unable to write load creds script file", "err", err)
		return envs
	}

	envs = append(envs, fmt.Sprintf(`GIT_ASKPASS=%s`, credsLoader))
	envs = append(envs, `REPO_USERNAME=-`) // username is required
	envs = append(envs, fmt.Sprintf(`REPO_PASSWORD=%s`, token))

	return envs
}

func (s *Store) ensureCredsLoader(baseDir string) (string, error) {
	credsLoader := filepath.Join(baseDir, "github-mirror-creds-loader.sh")

	_, err := os.Stat(credsLoader)
	switch {
	case os.IsNotExist(err):
		if err := os.WriteFile(credsLoader, []byte(loadCredsScript), 0750); err != nil {
			return "", err
		}
	case err != nil:
		return "", fmt.Errorf("unable to check if script file exits err:%w", err)
	}

	return credsLoader, nil
}

type appToken struct {
	token     string
	expiresAt time.Time
}

// tokenSource caches Github app installation tokens per repository. Tokens
// are scoped to a single repo's contents so the cache is keyed by repo
// name.
type tokenSource struct {
	mu     lock.Mutex
	tokens map[string]appToken
}

func (ts *tokenSource) token(ctx context.Context, a Auth, repo string) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	// return token if current token is valid for next 10 min
	if t, ok := ts.tokens[repo]; ok && t.expiresAt.After(time.Now().UTC().Add(10*time.Minute)) {
		return t.token, nil
	}

	permissions := auth.TokenPermissions{
		Repositories: []string{repo},
		Permissions:  map[string]string{"contents": "read"},
	}

	newToken, err := auth.GithubAppInstallationToken(ctx,
		a.GithubAppID, a.GithubAppInstallationID, a.GithubAppPrivateKeyPath,
		permissions)
	if err != nil {
		return "", err
	}

	if ts.tokens == nil {
		ts.tokens = make(map[string]appToken)
	}
	ts.tokens[repo] = appToken{token: newToken.Token, expiresAt: newToken.ExpiresAt}

	return newToken.Token, nil
}
