package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/utilitywarehouse/github-mirror/mirror"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("unable to write config file: %v", err)
	}
	return p
}

func Test_validateConfig(t *testing.T) {
	tests := []struct {
		name     string
		yamlData string
		wantErr  bool
	}{
		{
			"full_valid",
			`
base_mirror_dir: /tmp/mirrors
clone_timeout: 10m
fetch_timeout: 1m
ip_address_restrictions:
  - 140.82.112.0/20
webhook_secret: hush
auth:
  github_app_id: "1234"
  github_app_installation_id: "5678"
  github_app_private_key_path: /etc/github/key.pem
mirrors:
  - name: widgets
    url: git@github.com:acme/widgets.git
    wrapper: ssh-agent -t 60
  - name: gadgets
    url: https://github.com/acme/gadgets.git
`,
			false,
		},
		{
			"minimal_valid",
			`base_mirror_dir: /tmp/mirrors`,
			false,
		},
		{
			"unexpected_root_key",
			`
base_mirror_dir: /tmp/mirrors
mirror_dir: /tmp/other
`,
			true,
		},
		{
			"unexpected_auth_key",
			`
base_mirror_dir: /tmp/mirrors
auth:
  github_app: "1234"
`,
			true,
		},
		{
			"unexpected_mirror_key",
			`
base_mirror_dir: /tmp/mirrors
mirrors:
  - name: widgets
    url: git@github.com:acme/widgets.git
    remote: git@github.com:acme/widgets.git
`,
			true,
		},
		{
			"mirrors_not_a_list",
			`
base_mirror_dir: /tmp/mirrors
mirrors: widgets
`,
			true,
		},
		{
			"invalid_yaml",
			`"base_mirror_dir`,
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig([]byte(tt.yamlData))
			if (err != nil) != tt.wantErr {
				t.Errorf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func Test_validateConfig_reports_key_path(t *testing.T) {
	yamlData := `
base_mirror_dir: /tmp/mirrors
mirrors:
  - name: widgets
    url: git@github.com:acme/widgets.git
    timeout: 10m
`
	err := validateConfig([]byte(yamlData))
	if err == nil {
		t.Fatal("validateConfig() error = nil, want unexpected key error")
	}
	if !strings.Contains(err.Error(), ".mirrors[widgets].timeout") {
		t.Errorf("validateConfig() error = %v, want mention of .mirrors[widgets].timeout", err)
	}
}

func Test_parseConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
base_mirror_dir: /tmp/mirrors
clone_timeout: 5m
fetch_timeout: 30s
mirrors:
  - name: widgets
    url: git@github.com:acme/widgets.git
    wrapper: ssh-agent -t 60
`)

	got, err := parseConfigFile(path)
	if err != nil {
		t.Fatalf("parseConfigFile() error = %v", err)
	}

	want := &mirror.Config{
		BaseMirrorDir: "/tmp/mirrors",
		CloneTimeout:  5 * time.Minute,
		FetchTimeout:  30 * time.Second,
		Mirrors: []mirror.RepoConfig{
			{Name: "widgets", URL: "git@github.com:acme/widgets.git", Wrapper: "ssh-agent -t 60"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseConfigFile() mismatch (-want +got):\n%s", diff)
	}
}

func Test_parseConfigFile_errors(t *testing.T) {
	if _, err := parseConfigFile(filepath.Join(t.TempDir(), "no-such-file.yaml")); err == nil {
		t.Error("parseConfigFile() error = nil for missing file")
	}

	path := writeConfigFile(t, `
base_mirror_dir: /tmp/mirrors
unknown_section: true
`)
	if _, err := parseConfigFile(path); err == nil {
		t.Error("parseConfigFile() error = nil for unexpected key")
	}
}

func Test_loadConfig(t *testing.T) {
	path := writeConfigFile(t, `
base_mirror_dir: /tmp/mirrors
mirrors:
  - name: widgets
    url: git@github.com:acme/widgets.git
`)

	conf, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	// defaults applied as part of the load
	if conf.CloneTimeout != 10*time.Minute {
		t.Errorf("CloneTimeout = %v, want %v", conf.CloneTimeout, 10*time.Minute)
	}
	if conf.FetchTimeout != time.Minute {
		t.Errorf("FetchTimeout = %v, want %v", conf.FetchTimeout, time.Minute)
	}
}

func Test_loadConfig_invalid(t *testing.T) {
	// relative base dir fails validation
	path := writeConfigFile(t, `base_mirror_dir: mirrors`)
	if _, err := loadConfig(path); err == nil {
		t.Error("loadConfig() error = nil, want validation error")
	}
}
