package git

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"

	"github.com/NicabarNimble/go-gitclone/internal/checkout"
	"github.com/NicabarNimble/go-gitclone/internal/config"
	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/logger"
	"github.com/NicabarNimble/go-gitclone/internal/metrics"
	"github.com/NicabarNimble/go-gitclone/internal/object"
	"github.com/NicabarNimble/go-gitclone/internal/progress"
	"github.com/NicabarNimble/go-gitclone/internal/storage"
	"github.com/NicabarNimble/go-gitclone/internal/token"
	"github.com/NicabarNimble/go-gitclone/internal/transport"
	"github.com/NicabarNimble/go-gitclone/internal/urlutils"
)

const op = "clone"

// CloneOptions carries the collaborators of a clone that are not part of
// the plan itself. The zero value is usable.
type CloneOptions struct {
	Progress progress.Tracker
	Metrics  *metrics.Metrics
	// Tokens is consulted for credentials when the plan has none.
	Tokens token.Storage
	// LockWait is how long to wait for a concurrent clone into the same
	// destination to finish. Zero fails immediately.
	LockWait   time.Duration
	HTTPClient *http.Client
	// Open replaces the transport registry; used by tests.
	Open transport.OpenFunc
	// RetryInterval is the first backoff delay after a transient failure.
	RetryInterval time.Duration
	// WorktreeFS replaces the filesystem the working tree is written to;
	// used by tests.
	WorktreeFS func(root string) billy.Filesystem
}

// Result describes a finished clone.
type Result struct {
	Destination string
	GitDir      string
	Bare        bool
	Branch      string
	Head        object.Hash
	// Refs lists every reference created, HEAD first.
	Refs      []storage.Ref
	Objects   int
	PackBytes int64
	Checkout  checkout.State
	Files     int
}

// CloneRepository clones plan.URI into plan.DestinationPath.
func CloneRepository(ctx context.Context, plan *config.ClonePlan, opts CloneOptions) (res *Result, err error) {
	started := time.Now()
	defer func() {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = clonerr.KindOf(err).String()
		}
		opts.Metrics.ObserveClone(outcome, time.Since(started))
	}()

	if plan == nil {
		return nil, clonerr.Errorf(op, clonerr.KindInvalidPlan, "no clone plan")
	}
	p := *plan
	if err := p.Resolve(); err != nil {
		return nil, err
	}
	ep, err := urlutils.Parse(p.URI)
	if err != nil {
		return nil, clonerr.Wrap(op, clonerr.KindInvalidPlan, err)
	}
	timeout, _ := p.TimeoutDuration()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log := logger.Log.WithFields(logrus.Fields{
		"remote":      ep.Redacted(),
		"destination": p.DestinationPath,
		"branch":      p.Branch,
	})
	log.Info("cloning")

	lock, err := storage.AcquireLock(ctx, p.DestinationPath, opts.LockWait)
	if err != nil {
		return nil, err
	}
	defer releaseLock(lock, log)

	created, err := storage.PrepareDestination(p.DestinationPath)
	if err != nil {
		return nil, err
	}
	c := &cloner{plan: &p, opts: opts, ep: ep, log: log, layout: storage.NewLayout(p.DestinationPath, p.Bare)}
	defer func() {
		if err == nil {
			return
		}
		c.abort()
		if cerr := storage.Cleanup(p.DestinationPath, created); cerr != nil {
			log.WithError(cerr).Warn("failed to clean up destination")
		}
		log.WithError(err).WithField("kind", clonerr.KindOf(err)).Error("clone failed")
	}()

	res, err = c.run(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && clonerr.KindOf(err) != clonerr.KindCancelled && clonerr.KindOf(err) != clonerr.KindTimeout {
			err = clonerr.FromContext(op, fmt.Errorf("%w (stage error: %v)", ctxErr, err))
		}
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"head":    res.Head,
		"objects": res.Objects,
		"refs":    len(res.Refs),
		"elapsed": time.Since(started).Round(time.Millisecond),
	}).Info("clone complete")
	return res, nil
}

// cloner holds the state of one clone run.
type cloner struct {
	plan   *config.ClonePlan
	opts   CloneOptions
	ep     *urlutils.Endpoint
	log    *logrus.Entry
	layout storage.Layout

	objects *storage.ObjectStore
}

func (c *cloner) run(ctx context.Context) (*Result, error) {
	gitFS := c.layout.GitFS()
	if err := storage.InitRepository(gitFS); err != nil {
		return nil, err
	}
	c.objects = storage.NewObjectStore(gitFS)
	if err := c.objects.BeginQuarantine(); err != nil {
		return nil, err
	}

	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}
	neg := &transport.Negotiator{
		Open:            c.opts.Open,
		Retries:         c.plan.Retries,
		InitialInterval: c.opts.RetryInterval,
		Options: transport.Options{
			Credentials:           creds,
			HTTPClient:            c.opts.HTTPClient,
			InsecureIgnoreHostKey: c.plan.InsecureIgnoreHostKey,
			IdentityFile:          c.plan.IdentityFile,
		},
	}
	if c.plan.KnownHostsFile != "" {
		neg.Options.KnownHostsFiles = []string{c.plan.KnownHostsFile}
	}
	negotiation, err := neg.Negotiate(ctx, c.ep, transport.Selection{
		Primary:  c.plan.Branch,
		Branches: c.plan.BranchesToClone,
		All:      c.plan.CloneAllBranches,
		Tags:     c.plan.Tags,
	})
	if err != nil {
		return nil, err
	}

	stats, err := c.receivePack(ctx, negotiation.Pack)
	if err != nil {
		return nil, err
	}
	if err := c.objects.Commit(); err != nil {
		return nil, err
	}

	refs := planRefs(c.plan, negotiation, c.objects)
	if err := ctx.Err(); err != nil {
		return nil, clonerr.FromContext(op, err)
	}
	if err := storage.NewRefStore(gitFS, c.objects).Update(refs); err != nil {
		return nil, err
	}

	rc := storage.RepoConfig{
		Bare:     c.plan.Bare,
		Remote:   c.plan.RemoteName,
		URL:      c.ep.WithoutCredentials(),
		Branches: fetchedNames(negotiation.Selected),
		FetchAll: c.plan.CloneAllBranches,
		NoTags:   !c.plan.Tags,
	}
	if !c.plan.Bare {
		rc.Primary = c.plan.Branch
	}
	if err := storage.WriteConfig(gitFS, rc); err != nil {
		return nil, err
	}
	c.log.WithField("refs", len(refs)).Debug("references updated")

	res := &Result{
		Destination: c.layout.Root,
		GitDir:      c.layout.GitDir,
		Bare:        c.plan.Bare,
		Branch:      c.plan.Branch,
		Head:        negotiation.Selected.Primary.Hash,
		Refs:        refs,
		Objects:     stats.Objects,
		PackBytes:   stats.PackBytes,
	}

	worktree := c.layout.WorktreeFS()
	if c.opts.WorktreeFS != nil {
		worktree = c.opts.WorktreeFS(c.layout.Root)
	}
	co := checkout.New(c.objects, worktree, gitFS)
	if c.plan.Bare || !c.plan.Checkout {
		co.Skip()
		res.Checkout = co.State()
		return res, nil
	}
	if c.opts.Progress != nil {
		c.opts.Progress.Start("checking out files")
		co.OnProgress = func(done, total int) { c.opts.Progress.Update(int64(done), int64(total)) }
	}
	checked, err := co.Run(ctx, res.Head)
	if c.opts.Progress != nil {
		if err != nil {
			c.opts.Progress.Error(err)
		} else {
			c.opts.Progress.Complete()
		}
	}
	if err != nil {
		return nil, err
	}
	res.Checkout = co.State()
	res.Files = checked.Files
	return res, nil
}

// abort drops quarantined objects that were never committed.
func (c *cloner) abort() {
	if c.objects == nil {
		return
	}
	if err := c.objects.Abort(); err != nil {
		c.log.WithError(err).Debug("failed to discard quarantine")
	}
}

func (c *cloner) credentials(ctx context.Context) (token.Credentials, error) {
	if !c.plan.Credentials.Anonymous() {
		return token.Credentials{
			Username: strings.TrimSpace(c.plan.Credentials.Username),
			Password: c.plan.Credentials.Password,
		}, nil
	}
	if c.opts.Tokens == nil || c.ep.Scheme == urlutils.SchemeSSH {
		return token.Credentials{}, nil
	}
	creds, found, err := token.ForHost(ctx, c.opts.Tokens, c.ep.Host)
	if err != nil {
		return token.Credentials{}, clonerr.Wrap(op, clonerr.KindAuthentication, err)
	}
	if found {
		c.log.Debug("using stored token")
	}
	return creds, nil
}

func fetchedNames(sel *transport.Selected) []string {
	fetched := sel.Fetched()
	names := make([]string, len(fetched))
	for i, r := range fetched {
		names[i] = r.ShortName()
	}
	return names
}

type releaser interface {
	Release() error
}

// releaseLock releases l, logging rather than returning a failure so it
// never masks the operation's own result.
func releaseLock(l releaser, log *logrus.Entry) {
	if err := l.Release(); err != nil {
		log.WithError(err).Warn("failed to release destination lock")
	}
}
