package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/token"
	"github.com/NicabarNimble/go-gitclone/internal/urlutils"
)

// DefaultAgent identifies this client to servers.
var DefaultAgent = "go-gitclone/dev"

// Session is a live connection to one remote repository.
type Session interface {
	// AdvertisedRefs returns the ref advertisement. It is fetched once
	// per session.
	AdvertisedRefs(ctx context.Context) (*Advertisement, error)
	// UploadPack sends req and returns the raw response: the negotiation
	// acknowledgement followed by the pack.
	UploadPack(ctx context.Context, req *UploadPackRequest) (io.ReadCloser, error)
	Close() error
}

// Transport opens sessions for one URL scheme.
type Transport interface {
	Open(ctx context.Context, ep *urlutils.Endpoint, opts Options) (Session, error)
}

// Options configures a session.
type Options struct {
	Credentials token.Credentials
	Agent       string

	// HTTPClient overrides the client used for smart HTTP.
	HTTPClient *http.Client

	InsecureIgnoreHostKey bool
	// KnownHostsFiles defaults to ~/.ssh/known_hosts.
	KnownHostsFiles []string
	// IdentityFile is a private key offered before the ssh agent's keys.
	IdentityFile string
	// SSHConfigFile replaces the user's ~/.ssh/config for host aliases.
	SSHConfigFile string
}

func (o Options) agent() string {
	if o.Agent != "" {
		return o.Agent
	}
	return DefaultAgent
}

var (
	transportsMu sync.RWMutex
	transports   = map[urlutils.Scheme]Transport{
		urlutils.SchemeHTTPS: HTTPTransport{},
		urlutils.SchemeHTTP:  HTTPTransport{},
		urlutils.SchemeSSH:   SSHTransport{},
	}
)

// Register installs t for scheme, replacing any existing transport.
func Register(scheme urlutils.Scheme, t Transport) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[scheme] = t
}

// Open opens a session with the transport registered for ep's scheme.
func Open(ctx context.Context, ep *urlutils.Endpoint, opts Options) (Session, error) {
	transportsMu.RLock()
	t, ok := transports[ep.Scheme]
	transportsMu.RUnlock()
	if !ok {
		return nil, clonerr.Wrap(negotiateOp, clonerr.KindTransport, fmt.Errorf("%w: %s", urlutils.ErrUnsupportedScheme, ep.Scheme))
	}
	return t.Open(ctx, ep, opts)
}
