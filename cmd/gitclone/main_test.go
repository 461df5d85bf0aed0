package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicabarNimble/go-gitclone/internal/checkout"
	"github.com/NicabarNimble/go-gitclone/internal/config"
	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/git"
	"github.com/NicabarNimble/go-gitclone/internal/packfile/packtest"
	"github.com/NicabarNimble/go-gitclone/internal/transport/transporttest"
)

// runCLI executes the root command and returns the exit code and output.
func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	code := execute(cmd, append([]string{"--log-level", "error"}, args...), &stderr)
	return code, stdout.String(), stderr.String()
}

// mockClone replaces cloneFunc for the duration of the test and records
// the plan it receives.
func mockClone(t *testing.T, err error) **config.ClonePlan {
	t.Helper()
	var got *config.ClonePlan
	old := cloneFunc
	t.Cleanup(func() { cloneFunc = old })
	cloneFunc = func(_ context.Context, plan *config.ClonePlan, opts git.CloneOptions) (*git.Result, error) {
		got = plan
		opts.Metrics.ObserveClone("success", 0)
		if err != nil {
			return nil, err
		}
		return &git.Result{Destination: plan.DestinationPath, Branch: plan.Branch, Checkout: checkout.StateDone}, nil
	}
	return &got
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()
	assert.Equal(t, "gitclone", cmd.Use)
	assert.NotEmpty(t, cmd.Short)

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, expected := range []string{"clone", "checkout", "version"} {
		assert.True(t, names[expected], "Expected command %s not found", expected)
	}
}

func TestClonePlanFromFlags(t *testing.T) {
	dir := t.TempDir()
	planFile := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(planFile, []byte(`
branch: dev
retries: 5
credentials:
  username: bot
  password: from-file
`), 0o600))

	tests := []struct {
		name string
		args []string
		want func(p *config.ClonePlan)
	}{
		{
			name: "defaults",
			args: []string{"https://example.com/org/repo.git"},
			want: func(p *config.ClonePlan) {
				p.URI = "https://example.com/org/repo.git"
				p.DestinationPath = "repo"
			},
		},
		{
			name: "bare destination",
			args: []string{"git@example.com:org/tool.git", "--bare"},
			want: func(p *config.ClonePlan) {
				p.URI = "git@example.com:org/tool.git"
				p.DestinationPath = "tool.git"
				p.Bare = true
			},
		},
		{
			name: "every flag",
			args: []string{
				"https://example.com/repo", "/srv/checkout",
				"--branch", "refs/heads/main", "--remote", "upstream", "--no-checkout",
				"--branches", "main,dev,main", "--username", "alice", "--password", "pw",
				"--timeout", "30s", "--retries", "0", "--insecure-ignore-host-key",
				"--known-hosts", "/etc/ssh/known_hosts", "-i", "/keys/id", "--no-tags",
			},
			want: func(p *config.ClonePlan) {
				p.URI = "https://example.com/repo"
				p.DestinationPath = "/srv/checkout"
				p.Branch = "refs/heads/main"
				p.RemoteName = "upstream"
				p.Checkout = false
				p.BranchesToClone = []string{"main", "dev"}
				p.CloneAllBranches = false
				p.Credentials = config.Credentials{Username: "alice", Password: "pw"}
				p.Timeout = "30s"
				p.Retries = 0
				p.InsecureIgnoreHostKey = true
				p.KnownHostsFile = "/etc/ssh/known_hosts"
				p.IdentityFile = "/keys/id"
				p.Tags = false
			},
		},
		{
			name: "flags override the config file",
			args: []string{"https://example.com/repo", "dest", "--config", planFile, "--retries", "1", "--password", "flag"},
			want: func(p *config.ClonePlan) {
				p.URI = "https://example.com/repo"
				p.DestinationPath = "dest"
				p.Branch = "dev"
				p.Retries = 1
				p.Credentials = config.Credentials{Username: "bot", Password: "flag"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mockClone(t, nil)

			code, _, stderr := runCLI(t, append([]string{"clone"}, tt.args...)...)
			require.Equal(t, exitOK, code, stderr)

			want := config.DefaultPlan()
			tt.want(want)
			if diff := cmp.Diff(want, *got); diff != "" {
				t.Errorf("plan mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCloneArguments(t *testing.T) {
	mockClone(t, nil)

	code, _, stderr := runCLI(t, "clone")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "accepts between 1 and 2 arg(s), received 0")

	code, _, stderr = runCLI(t, "clone", "a", "b", "c")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "received 3")

	code, _, stderr = runCLI(t, "clone", "https://example.com/repo", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "failed to read plan file")
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{clonerr.Errorf("prepare", clonerr.KindDestinationNotEmpty, "not empty"), exitDestination},
		{clonerr.Errorf("lock", clonerr.KindLockContention, "locked"), exitDestination},
		{clonerr.Errorf("negotiate", clonerr.KindAuthentication, "denied"), exitAuthentication},
		{fmt.Errorf("wrapped: %w", clonerr.Errorf("negotiate", clonerr.KindRefNotFound, "no branch")), exitRefNotFound},
		{clonerr.Errorf("read-pack", clonerr.KindCorruptPack, "bad"), exitFailure},
		{fmt.Errorf("plain"), exitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func TestCloneFailureExitCode(t *testing.T) {
	mockClone(t, clonerr.Errorf("negotiate", clonerr.KindAuthentication, "authentication failed for https://example.com/repo"))

	code, stdout, stderr := runCLI(t, "clone", "https://example.com/repo", t.TempDir()+"/x")
	assert.Equal(t, exitAuthentication, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "Error: ")
	assert.Contains(t, stderr, "authentication failed")
}

func TestCloneMetricsFile(t *testing.T) {
	mockClone(t, nil)
	path := filepath.Join(t.TempDir(), "gitclone.prom")

	code, stdout, stderr := runCLI(t, "clone", "https://example.com/repo", "--metrics-file", path, "-q")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Cloned https://example.com/repo")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `gitclone_clones_total{outcome="success"} 1`)
}

func TestCheckoutCommand(t *testing.T) {
	old := checkoutFunc
	t.Cleanup(func() { checkoutFunc = old })

	var got git.CheckoutOptions
	checkoutFunc = func(_ context.Context, opts git.CheckoutOptions) (*checkout.Result, error) {
		got = opts
		return &checkout.Result{Files: 3, Bytes: 42}, nil
	}

	code, stdout, stderr := runCLI(t, "checkout", "/srv/repo", "--quiet")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "/srv/repo", got.Path)
	assert.Nil(t, got.Progress)
	assert.Contains(t, stdout, "Checked out 3 files (42 bytes)")

	checkoutFunc = func(context.Context, git.CheckoutOptions) (*checkout.Result, error) {
		return nil, clonerr.Errorf("checkout", clonerr.KindDestinationNotEmpty, "worktree is not empty")
	}
	code, _, _ = runCLI(t, "checkout", "/srv/repo")
	assert.Equal(t, exitDestination, code)
}

func TestVersionCommand(t *testing.T) {
	code, stdout, _ := runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "gitclone dev\n", stdout)
}

func TestInvalidLogLevel(t *testing.T) {
	var stderr bytes.Buffer
	code := execute(newRootCmd(), []string{"--log-level", "loud", "version"}, &stderr)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "invalid log level")
}

func TestCloneEndToEnd(t *testing.T) {
	fx := packtest.NewFixture()
	srv := transporttest.NewHTTPServer(t, transporttest.FromFixture(fx), transporttest.HTTPConfig{})
	dest := filepath.Join(t.TempDir(), "repo")

	code, stdout, stderr := runCLI(t, "clone", srv.RepoURL(), dest, "--branch", "main", "--no-checkout", "-q")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, fx.Main.String())
	_, err := os.Stat(filepath.Join(dest, "README.md"))
	assert.True(t, os.IsNotExist(err))

	code, _, stderr = runCLI(t, "checkout", dest, "-q")
	require.Equal(t, exitOK, code, stderr)
	data, err := os.ReadFile(filepath.Join(dest, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, fx.MainFiles["README.md"], string(data))

	code, _, stderr = runCLI(t, "clone", srv.RepoURL(), dest, "--branch", "main")
	assert.Equal(t, exitDestination, code)
	assert.Contains(t, stderr, "not empty")

	code, _, _ = runCLI(t, "clone", srv.RepoURL(), filepath.Join(t.TempDir(), "other"), "--branch", "nope")
	assert.Equal(t, exitRefNotFound, code)
}

func TestCloneTokenFile(t *testing.T) {
	fx := packtest.NewFixture()
	srv := transporttest.NewHTTPServer(t, transporttest.FromFixture(fx), transporttest.HTTPConfig{Username: "alice", Password: "s3cret"})
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}
	good := write("good.yaml", "127.0.0.1:\n  value: s3cret\n  username: alice\n")
	wrong := write("wrong.yaml", "127.0.0.1: nope\n")
	broken := write("broken.yaml", "- 127.0.0.1\n")

	tests := []struct {
		name     string
		file     string
		wantCode int
		wantErr  string
	}{
		{name: "token accepted", file: good, wantCode: exitOK},
		{name: "token rejected", file: wrong, wantCode: exitAuthentication},
		{name: "unreadable token file", file: broken, wantCode: exitFailure, wantErr: "failed to parse token file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "repo")
			code, _, stderr := runCLI(t, "clone", srv.RepoURL(), dest, "--branch", "main", "--token-file", tt.file, "-q")
			require.Equal(t, tt.wantCode, code, stderr)
			if tt.wantErr != "" {
				assert.Contains(t, stderr, tt.wantErr)
			}
		})
	}
}
