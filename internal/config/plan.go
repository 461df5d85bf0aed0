// Package config holds the Clone Plan: everything a single clone needs to
// know, loaded from defaults, an optional YAML file and command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/storage"
	"github.com/NicabarNimble/go-gitclone/internal/urlutils"
)

const (
	op = "plan"

	DefaultRemoteName = "origin"
	DefaultBranch     = "master"
	DefaultTimeout    = "10m"
	DefaultRetries    = 3
)

// Credentials is an optional username/password pair.
type Credentials struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Anonymous reports whether both fields are blank.
func (c Credentials) Anonymous() bool {
	return strings.TrimSpace(c.Username) == "" && strings.TrimSpace(c.Password) == ""
}

// ClonePlan describes one clone.
type ClonePlan struct {
	URI        string `yaml:"uri"`
	RemoteName string `yaml:"remote_name"`
	Bare       bool   `yaml:"bare"`
	Checkout   bool   `yaml:"checkout"`
	Branch     string `yaml:"branch"`
	// BranchesToClone is kept free of duplicates. Setting it turns
	// CloneAllBranches off.
	BranchesToClone  []string    `yaml:"branches_to_clone,omitempty"`
	CloneAllBranches bool        `yaml:"clone_all_branches"`
	DestinationPath  string      `yaml:"destination_path"`
	Credentials      Credentials `yaml:"credentials,omitempty"`

	// Tags creates refs/tags for advertised tags whose objects arrive.
	Tags    bool   `yaml:"tags"`
	Timeout string `yaml:"timeout"`
	Retries int    `yaml:"retries"`

	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key,omitempty"`
	KnownHostsFile        string `yaml:"known_hosts_file,omitempty"`
	IdentityFile          string `yaml:"identity_file,omitempty"`
}

// DefaultPlan provides default configuration values
func DefaultPlan() *ClonePlan {
	return &ClonePlan{
		RemoteName:       DefaultRemoteName,
		Checkout:         true,
		Branch:           DefaultBranch,
		CloneAllBranches: true,
		Tags:             true,
		Timeout:          DefaultTimeout,
		Retries:          DefaultRetries,
	}
}

// LoadPlan reads a YAML plan file over the defaults. Unknown keys are
// rejected.
func LoadPlan(path string) (*ClonePlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, clonerr.Wrap(op, clonerr.KindInvalidPlan, fmt.Errorf("failed to read plan file: %w", err))
	}
	return ParsePlan(data)
}

// ParsePlan decodes a YAML plan over the defaults.
func ParsePlan(data []byte) (*ClonePlan, error) {
	p := DefaultPlan()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, clonerr.Wrap(op, clonerr.KindInvalidPlan, fmt.Errorf("failed to parse plan file: %w", err))
	}
	if len(p.BranchesToClone) > 0 {
		p.SetBranchesToClone(p.BranchesToClone...)
	}
	p.MergeDefaults()
	return p, nil
}

// SavePlan writes p as YAML. The file may hold credentials and is created
// private.
func SavePlan(p *ClonePlan, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create plan directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	return nil
}

// MergeDefaults merges default values for unset fields
func (p *ClonePlan) MergeDefaults() {
	d := DefaultPlan()
	if strings.TrimSpace(p.RemoteName) == "" {
		p.RemoteName = d.RemoteName
	}
	if strings.TrimSpace(p.Branch) == "" {
		p.Branch = d.Branch
	}
	if p.Timeout == "" {
		p.Timeout = d.Timeout
	}
}

// SetBranchesToClone replaces the explicit branch set and turns off
// fetching every branch.
func (p *ClonePlan) SetBranchesToClone(branches ...string) {
	p.BranchesToClone = nil
	p.AddBranchesToClone(branches...)
}

// AddBranchesToClone extends the explicit branch set and, like
// SetBranchesToClone, turns off fetching every branch.
func (p *ClonePlan) AddBranchesToClone(branches ...string) {
	seen := make(map[string]bool, len(p.BranchesToClone))
	for _, b := range p.BranchesToClone {
		seen[b] = true
	}
	for _, b := range branches {
		b = normalizeBranch(b)
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		p.BranchesToClone = append(p.BranchesToClone, b)
	}
	p.CloneAllBranches = false
}

func normalizeBranch(b string) string {
	return strings.TrimPrefix(strings.TrimSpace(b), "refs/heads/")
}

// TimeoutDuration parses Timeout. Zero means no limit.
func (p *ClonePlan) TimeoutDuration() (time.Duration, error) {
	if p.Timeout == "" || p.Timeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", p.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout %q is negative", p.Timeout)
	}
	return d, nil
}

// Validate checks if the plan is valid
func (p *ClonePlan) Validate() error {
	invalid := func(format string, args ...any) error {
		return clonerr.Errorf(op, clonerr.KindInvalidPlan, format, args...)
	}

	if strings.TrimSpace(p.URI) == "" {
		return invalid("uri is required")
	}
	if _, err := urlutils.Parse(p.URI); err != nil {
		return clonerr.Wrap(op, clonerr.KindInvalidPlan, fmt.Errorf("invalid uri: %w", err))
	}
	if strings.TrimSpace(p.DestinationPath) == "" {
		return invalid("destination path is required")
	}
	if strings.ContainsAny(p.RemoteName, "/ ") {
		return invalid("invalid remote name %q", p.RemoteName)
	}
	if err := storage.ValidateRefName("refs/remotes/" + p.RemoteName + "/HEAD"); err != nil {
		return invalid("invalid remote name %q", p.RemoteName)
	}
	for _, b := range append([]string{p.Branch}, p.BranchesToClone...) {
		if err := storage.ValidateRefName("refs/heads/" + normalizeBranch(b)); err != nil {
			return invalid("invalid branch name %q", b)
		}
	}
	if len(p.BranchesToClone) > 0 && p.CloneAllBranches {
		return invalid("clone_all_branches cannot be combined with branches_to_clone")
	}
	if _, err := p.TimeoutDuration(); err != nil {
		return clonerr.Wrap(op, clonerr.KindInvalidPlan, err)
	}
	if p.Retries < 0 {
		return invalid("retries cannot be negative")
	}
	return nil
}

// Resolve fills defaults, validates the plan and makes the destination
// absolute.
func (p *ClonePlan) Resolve() error {
	p.MergeDefaults()
	p.Branch = normalizeBranch(p.Branch)
	if err := p.Validate(); err != nil {
		return err
	}
	abs, err := filepath.Abs(p.DestinationPath)
	if err != nil {
		return clonerr.Wrap(op, clonerr.KindInvalidPlan, fmt.Errorf("resolving destination: %w", err))
	}
	p.DestinationPath = abs
	return nil
}

// DefaultDestination derives a directory name from uri the way git does:
// the last path component without a .git suffix, plus .git for bare
// clones.
func DefaultDestination(uri string, bare bool) (string, error) {
	name, err := urlutils.RepositoryName(uri)
	if err != nil {
		return "", clonerr.Wrap(op, clonerr.KindInvalidPlan, err)
	}
	if bare {
		name += ".git"
	}
	return name, nil
}
