package git

import (
	"context"
	"time"

	"github.com/NicabarNimble/go-gitclone/internal/checkout"
	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/logger"
	"github.com/NicabarNimble/go-gitclone/internal/progress"
	"github.com/NicabarNimble/go-gitclone/internal/storage"
)

const checkoutOp = "checkout"

// CheckoutOptions selects an existing clone to check out.
type CheckoutOptions struct {
	// Path is the root of a non-bare clone made without a working tree.
	Path     string
	Progress progress.Tracker
	LockWait time.Duration
}

// Checkout writes the commit HEAD points at into the working tree of an
// existing clone. The working tree must hold nothing but the git
// directory.
func Checkout(ctx context.Context, opts CheckoutOptions) (*checkout.Result, error) {
	layout, err := storage.OpenLayout(opts.Path)
	if err != nil {
		return nil, clonerr.Wrap(checkoutOp, clonerr.KindInvalidPlan, err)
	}
	if layout.Bare {
		return nil, clonerr.Errorf(checkoutOp, clonerr.KindInvalidPlan, "%s is a bare repository", opts.Path)
	}

	log := logger.Log.WithField("path", layout.Root)
	lock, err := storage.AcquireLock(ctx, layout.Root, opts.LockWait)
	if err != nil {
		return nil, err
	}
	defer releaseLock(lock, log)

	gitFS := layout.GitFS()
	objects := storage.NewObjectStore(gitFS)
	head, err := storage.NewRefStore(gitFS, objects).Resolve("HEAD")
	if err != nil {
		return nil, err
	}

	log = log.WithField("head", head)
	co := checkout.New(objects, layout.WorktreeFS(), gitFS)
	if opts.Progress != nil {
		opts.Progress.Start("checking out files")
		co.OnProgress = func(done, total int) { opts.Progress.Update(int64(done), int64(total)) }
	}
	res, err := co.Run(ctx, head)
	if opts.Progress != nil {
		if err != nil {
			opts.Progress.Error(err)
		} else {
			opts.Progress.Complete()
		}
	}
	if err != nil {
		log.WithError(err).Error("checkout failed")
		return nil, err
	}
	log.WithField("files", res.Files).Info("checkout complete")
	return res, nil
}
