package mirror

import (
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/utilitywarehouse/github-mirror/giturl"
)

const (
	defaultCloneTimeout = 10 * time.Minute
	defaultFetchTimeout = time.Minute
)

// chars not allowed in a mirror name, which doubles as its directory name
var matchSpecialCharReg = regexp.MustCompile(`[\\:\/*?"<>|\s]`)

// RepoConfig represents a single mirrored repository.
type RepoConfig struct {
	// Name of the mirror, unique within the config. The mirror is kept
	// in <base_mirror_dir>/<name>.git
	Name string `yaml:"name"`

	// git URL of the remote repo to mirror
	URL string `yaml:"url"`

	// Wrapper is an optional command prefix (split shell-style) for the
	// git invocations of this mirror, eg. a credential helper wrapper
	Wrapper string `yaml:"wrapper"`
}

// Auth represents Github app authentication config used to fetch
// private remote repos over https
type Auth struct {
	// The application id or the client ID of the Github app
	GithubAppID string `yaml:"github_app_id"`
	// The installation id of the app (in the organization).
	GithubAppInstallationID string `yaml:"github_app_installation_id"`
	// path to the github app private key
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

// Config is the root configuration for all mirrors.
type Config struct {
	// BaseMirrorDir is the absolute path to the existing dir under which
	// all mirror directories are kept. it is never created or deleted.
	BaseMirrorDir string `yaml:"base_mirror_dir"`

	// CloneTimeout is the max duration of the initial clone of a mirror
	CloneTimeout time.Duration `yaml:"clone_timeout"`

	// FetchTimeout is the max duration of an update fetch of a mirror
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// IPAddressRestrictions is the list of IPs or CIDRs allowed to hit
	// the webhook endpoint. empty list allows all senders.
	IPAddressRestrictions []string `yaml:"ip_address_restrictions"`

	// WebhookSecret, if set, enables X-Hub-Signature-256 validation of
	// webhook payloads
	WebhookSecret string `yaml:"webhook_secret"`

	// Auth config to fetch remote repos
	Auth Auth `yaml:"auth"`

	// List of mirrored repositories.
	Mirrors []RepoConfig `yaml:"mirrors"`
}

// ValidateAndApplyDefaults will verify the config and fill in defaults for
// unset timeouts.
func (c *Config) ValidateAndApplyDefaults() error {
	var errs []error

	if c.BaseMirrorDir == "" {
		errs = append(errs, fmt.Errorf("base_mirror_dir is required"))
	} else if !filepath.IsAbs(c.BaseMirrorDir) {
		errs = append(errs, fmt.Errorf("base_mirror_dir '%s' must be absolute", c.BaseMirrorDir))
	}

	if c.CloneTimeout == 0 {
		c.CloneTimeout = defaultCloneTimeout
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.CloneTimeout < 0 {
		errs = append(errs, fmt.Errorf("clone_timeout must be positive"))
	}
	if c.FetchTimeout < 0 {
		errs = append(errs, fmt.Errorf("fetch_timeout must be positive"))
	}

	for _, restriction := range c.IPAddressRestrictions {
		if err := validateIPRestriction(restriction); err != nil {
			errs = append(errs, err)
		}
	}

	// if any of the github app config is set all should be set
	if c.Auth.GithubAppID != "" ||
		c.Auth.GithubAppInstallationID != "" ||
		c.Auth.GithubAppPrivateKeyPath != "" {
		if c.Auth.GithubAppID == "" ||
			c.Auth.GithubAppInstallationID == "" ||
			c.Auth.GithubAppPrivateKeyPath == "" {
			errs = append(errs, fmt.Errorf("all of the Github app attribute is required"))
		}
	}

	names := make(map[string]bool)
	for _, m := range c.Mirrors {
		switch {
		case m.Name == "":
			errs = append(errs, fmt.Errorf("mirror name is required url:%s", m.URL))
		case m.Name == "." || m.Name == ".." || matchSpecialCharReg.MatchString(m.Name):
			errs = append(errs, fmt.Errorf("mirror name '%s' is not usable as a directory name", m.Name))
		case names[m.Name]:
			errs = append(errs, fmt.Errorf("duplicate mirror name '%s'", m.Name))
		}
		names[m.Name] = true

		if m.URL == "" {
			errs = append(errs, fmt.Errorf("mirror url is required name:%s", m.Name))
		} else if _, err := giturl.Parse(m.URL); err != nil {
			errs = append(errs, fmt.Errorf("unable to parse mirror url '%s' err:%s", m.URL, err))
		}

		if m.Wrapper != "" {
			if _, err := shlex.Split(m.Wrapper); err != nil {
				errs = append(errs, fmt.Errorf("unable to parse wrapper of mirror '%s' err:%s", m.Name, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", errs)
	}

	return nil
}

func validateIPRestriction(restriction string) error {
	if strings.Contains(restriction, "/") {
		if _, err := netip.ParsePrefix(restriction); err != nil {
			return fmt.Errorf("unable to parse ip restriction '%s' err:%s", restriction, err)
		}
		return nil
	}
	if _, err := netip.ParseAddr(restriction); err != nil {
		return fmt.Errorf("unable to parse ip restriction '%s' err:%s", restriction, err)
	}
	return nil
}

// AllowsIP reports whether a webhook sender with the given remote address
// (host or host:port) passes the configured IP restrictions. An empty
// restriction list allows everyone.
func (c *Config) AllowsIP(remoteAddr string) bool {
	if len(c.IPAddressRestrictions) == 0 {
		return true
	}

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, restriction := range c.IPAddressRestrictions {
		if strings.Contains(restriction, "/") {
			// entries are validated upfront, a bad one just never matches
			prefix, err := netip.ParsePrefix(restriction)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		allowed, err := netip.ParseAddr(restriction)
		if err == nil && allowed.Unmap() == addr {
			return true
		}
	}

	return false
}

// MirrorsFor returns the names of the configured mirrors whose URL refers
// to the same repository as remoteURL, in config order. The match is on
// the trailing <owner>/<repo> of the URLs, so the webhook sender and the
// config may use different URL schemes. No match or an unusable remoteURL
// returns nil.
func (c *Config) MirrorsFor(remoteURL string) []string {
	owner, repo, ok := giturl.OwnerRepo(remoteURL)
	if !ok {
		return nil
	}

	var names []string
	for _, m := range c.Mirrors {
		if giturl.MatchesOwnerRepo(m.URL, owner, repo) {
			names = append(names, m.Name)
		}
	}
	return names
}

// SelectMirrors returns the configured mirrors with the given names in
// config order, all of them when names is empty. Names not present in the
// config are ignored.
func (c *Config) SelectMirrors(names []string) []RepoConfig {
	if len(names) == 0 {
		return c.Mirrors
	}

	requested := make(map[string]bool, len(names))
	for _, n := range names {
		requested[n] = true
	}

	var selected []RepoConfig
	for _, m := range c.Mirrors {
		if requested[m.Name] {
			selected = append(selected, m)
		}
	}
	return selected
}
