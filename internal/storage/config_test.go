package storage

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepoConfigEncode(t *testing.T) {
	tests := []struct {
		name string
		cfg  RepoConfig
		want string
	}{
		{
			name: "single branch worktree",
			cfg: RepoConfig{
				Remote:   "origin",
				URL:      "https://example.com/repo.git",
				Branches: []string{"main"},
				Primary:  "main",
			},
			want: "[core]\n" +
				"\trepositoryformatversion = 0\n" +
				"\tfilemode = true\n" +
				"\tbare = false\n" +
				"\tlogallrefupdates = true\n" +
				"[remote \"origin\"]\n" +
				"\turl = https://example.com/repo.git\n" +
				"\tfetch = +refs/heads/main:refs/remotes/origin/main\n" +
				"[branch \"main\"]\n" +
				"\tremote = origin\n" +
				"\tmerge = refs/heads/main\n",
		},
		{
			name: "bare all branches no tags",
			cfg: RepoConfig{
				Bare:     true,
				Remote:   "upstream",
				URL:      "git@example.com:org/repo.git",
				Branches: []string{"main", "dev"},
				FetchAll: true,
				NoTags:   true,
			},
			want: "[core]\n" +
				"\trepositoryformatversion = 0\n" +
				"\tfilemode = true\n" +
				"\tbare = true\n" +
				"[remote \"upstream\"]\n" +
				"\turl = git@example.com:org/repo.git\n" +
				"\tfetch = +refs/heads/*:refs/remotes/upstream/*\n" +
				"\ttagOpt = --no-tags\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, string(tt.cfg.Encode())); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRepoConfigFetchRefspecs(t *testing.T) {
	cfg := RepoConfig{Remote: "origin", Branches: []string{"a", "b"}}
	assert.Equal(t, []string{
		"+refs/heads/a:refs/remotes/origin/a",
		"+refs/heads/b:refs/remotes/origin/b",
	}, cfg.FetchRefspecs())
}

func TestWriteConfig(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, WriteConfig(fs, RepoConfig{Remote: "origin", URL: "https://h/r#x"}))

	data, err := util.ReadFile(fs, "config")
	require.NoError(t, err)
	assert.Contains(t, string(data), "\turl = \"https://h/r#x\"\n")
}
