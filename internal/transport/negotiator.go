package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/logger"
	"github.com/NicabarNimble/go-gitclone/internal/urlutils"
)

// DefaultRetries is the number of extra attempts after a transient failure.
const DefaultRetries = 3

// OpenFunc opens a session; it is swapped out in tests.
type OpenFunc func(ctx context.Context, ep *urlutils.Endpoint, opts Options) (Session, error)

// Negotiator runs the first stage of a clone: it opens a session,
// fetches the advertisement, selects refs and requests the pack.
type Negotiator struct {
	Open    OpenFunc
	Options Options
	// Retries bounds the extra attempts made after transient failures
	// while connecting and reading the advertisement.
	Retries int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// Progress receives the server's progress messages.
	Progress func([]byte)
}

// Negotiation is the outcome of a successful negotiation. Pack must be
// drained and closed by the caller.
type Negotiation struct {
	Advertisement *Advertisement
	Selected      *Selected
	Request       *UploadPackRequest
	Pack          io.ReadCloser
}

type packStream struct {
	io.Reader
	closers []io.Closer
}

func (p *packStream) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Negotiate connects to ep and returns the pack stream for sel.
func (n *Negotiator) Negotiate(ctx context.Context, ep *urlutils.Endpoint, sel Selection) (*Negotiation, error) {
	log := logger.Log.WithFields(logrus.Fields{"remote": ep.Redacted(), "stage": negotiateOp})

	session, adv, err := n.connect(ctx, ep, log)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Negotiation, error) {
		session.Close()
		return nil, err
	}

	selected, err := SelectRefs(adv, sel)
	if err != nil {
		return fail(err)
	}
	req := &UploadPackRequest{
		Wants: selected.Wants,
		Capabilities: RequestCapabilities(adv.Capabilities, RequestOptions{
			Agent:       n.Options.agent(),
			IncludeTags: sel.Tags,
		}),
	}
	log.WithFields(logrus.Fields{
		"branches": selected.BranchNames(),
		"primary":  selected.Primary.ShortName(),
		"wants":    len(req.Wants),
	}).Info("requesting pack")

	resp, err := session.UploadPack(ctx, req)
	if err != nil {
		return fail(err)
	}
	pack, err := PackStream(resp, req.SideBand(), n.progress(log))
	if err != nil {
		resp.Close()
		if ctx.Err() != nil {
			return fail(clonerr.FromContext(negotiateOp, ctx.Err()))
		}
		return fail(err)
	}
	return &Negotiation{
		Advertisement: adv,
		Selected:      selected,
		Request:       req,
		Pack:          &packStream{Reader: pack, closers: []io.Closer{resp, session}},
	}, nil
}

// connect opens a session and reads the advertisement, retrying transient
// failures with exponential backoff. Running out of attempts is reported
// as a TimeoutError.
func (n *Negotiator) connect(ctx context.Context, ep *urlutils.Endpoint, log *logrus.Entry) (Session, *Advertisement, error) {
	open := n.Open
	if open == nil {
		open = Open
	}
	retries := n.Retries
	if retries < 0 {
		retries = 0
	}

	type result struct {
		session Session
		adv     *Advertisement
	}
	attempt := 0
	operation := func() (result, error) {
		attempt++
		session, err := open(ctx, ep, n.Options)
		if err != nil {
			return result{}, classify(err)
		}
		adv, err := session.AdvertisedRefs(ctx)
		if err != nil {
			session.Close()
			return result{}, classify(err)
		}
		return result{session: session, adv: adv}, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	if n.InitialInterval > 0 {
		expBackoff.InitialInterval = n.InitialInterval
		expBackoff.MaxInterval = 60 * n.InitialInterval
	}
	expBackoff.Reset()

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.WithError(err).WithField("attempt", attempt).Warnf("transient failure, retrying in %v", d)
		}),
	)
	if err == nil {
		return res.session, res.adv, nil
	}
	if ctx.Err() != nil {
		return nil, nil, clonerr.FromContext(negotiateOp, fmt.Errorf("%w (last error: %v)", ctx.Err(), err))
	}
	if clonerr.IsRetryable(err) {
		return nil, nil, clonerr.Wrap(negotiateOp, clonerr.KindTimeout,
			fmt.Errorf("giving up after %d attempts: %w", attempt, err))
	}
	return nil, nil, err
}

// classify stops retries for anything but transient transport failures.
func classify(err error) error {
	if clonerr.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (n *Negotiator) progress(log *logrus.Entry) func([]byte) {
	return func(msg []byte) {
		if n.Progress != nil {
			n.Progress(msg)
		}
		log.Debug(string(trimNewlines(msg)))
	}
}

func trimNewlines(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
