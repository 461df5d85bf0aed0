package storage

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
)

// RepoConfig is what a clone records in the repository config file.
type RepoConfig struct {
	Bare   bool
	Remote string
	URL    string

	// Branches lists the fetched branch names. When FetchAll is set the
	// remote gets a wildcard refspec instead of one per branch.
	Branches []string
	FetchAll bool

	// Primary is the branch set up to track the remote. Empty for bare
	// repositories.
	Primary string
	NoTags  bool
}

// FetchRefspecs returns the refspecs recorded for the remote.
func (c RepoConfig) FetchRefspecs() []string {
	if c.FetchAll || len(c.Branches) == 0 {
		return []string{fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", c.Remote)}
	}
	specs := make([]string, 0, len(c.Branches))
	for _, b := range c.Branches {
		specs = append(specs, fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", b, c.Remote, b))
	}
	return specs
}

// Encode renders the config in git's ini dialect.
func (c RepoConfig) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString("[core]\n")
	buf.WriteString("\trepositoryformatversion = 0\n")
	buf.WriteString("\tfilemode = true\n")
	fmt.Fprintf(&buf, "\tbare = %t\n", c.Bare)
	if !c.Bare {
		buf.WriteString("\tlogallrefupdates = true\n")
	}

	if c.Remote != "" {
		fmt.Fprintf(&buf, "[remote %s]\n", quote(c.Remote))
		fmt.Fprintf(&buf, "\turl = %s\n", escapeValue(c.URL))
		for _, spec := range c.FetchRefspecs() {
			fmt.Fprintf(&buf, "\tfetch = %s\n", spec)
		}
		if c.NoTags {
			buf.WriteString("\ttagOpt = --no-tags\n")
		}
	}

	if c.Primary != "" && c.Remote != "" {
		fmt.Fprintf(&buf, "[branch %s]\n", quote(c.Primary))
		fmt.Fprintf(&buf, "\tremote = %s\n", escapeValue(c.Remote))
		fmt.Fprintf(&buf, "\tmerge = refs/heads/%s\n", c.Primary)
	}
	return buf.Bytes()
}

// WriteConfig writes the config file of the git directory fs.
func WriteConfig(fs billy.Filesystem, c RepoConfig) error {
	if err := util.WriteFile(fs, "config", c.Encode(), 0o644); err != nil {
		return clonerr.Wrap(refsOp, clonerr.KindRefUpdate, fmt.Errorf("writing config: %w", err))
	}
	return nil
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func escapeValue(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	v := r.Replace(s)
	if strings.ContainsAny(v, ";#") || strings.TrimSpace(v) != v {
		return `"` + v + `"`
	}
	return v
}
