package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/packfile"
	"github.com/NicabarNimble/go-gitclone/internal/packfile/packtest"
	"github.com/NicabarNimble/go-gitclone/internal/token"
	"github.com/NicabarNimble/go-gitclone/internal/transport/transporttest"
	"github.com/NicabarNimble/go-gitclone/internal/urlutils"
)

func mustParse(t *testing.T, raw string) *urlutils.Endpoint {
	t.Helper()
	ep, err := urlutils.Parse(raw)
	require.NoError(t, err)
	return ep
}

// drainPack reads every record of a negotiated pack and returns the count.
func drainPack(t *testing.T, n *Negotiation) int {
	t.Helper()
	defer n.Pack.Close()
	r := packfile.NewReader(n.Pack)
	count := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			return count
		}
		require.NoError(t, err)
		count++
	}
}

func TestHTTPNegotiate(t *testing.T) {
	fixture := packtest.NewFixture()
	repo := transporttest.FromFixture(fixture)
	srv := transporttest.NewHTTPServer(t, repo, transporttest.HTTPConfig{})

	var progress []string
	n := &Negotiator{
		Options:  Options{Agent: "go-gitclone/test"},
		Progress: func(p []byte) { progress = append(progress, string(p)) },
	}
	got, err := n.Negotiate(context.Background(), mustParse(t, srv.RepoURL()), Selection{Primary: "main", All: true, Tags: true})
	require.NoError(t, err)

	assert.Equal(t, "main", got.Selected.Primary.ShortName())
	assert.Equal(t, []string{"dev", "main"}, got.Selected.BranchNames())
	assert.Equal(t, fixture.Objects, drainPack(t, got))
	assert.NotEmpty(t, progress)

	reqs := repo.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Capabilities, CapSideBand64k)
	assert.Contains(t, reqs[0].Capabilities, CapOFSDelta)
	assert.Contains(t, reqs[0].Capabilities, CapIncludeTag)
	assert.Contains(t, reqs[0].Capabilities, "agent=go-gitclone/test")
	for _, ua := range srv.UserAgents() {
		assert.Equal(t, "git/2.0 (go-gitclone/test)", ua)
	}
}

func TestHTTPNegotiateWithoutSideBand(t *testing.T) {
	fixture := packtest.NewFixture()
	repo := transporttest.FromFixture(fixture)
	repo.Capabilities = []string{"ofs-delta"}
	srv := transporttest.NewHTTPServer(t, repo, transporttest.HTTPConfig{})

	got, err := (&Negotiator{}).Negotiate(context.Background(), mustParse(t, srv.RepoURL()), Selection{Primary: "main"})
	require.NoError(t, err)
	assert.False(t, got.Request.SideBand())
	assert.Equal(t, fixture.Objects, drainPack(t, got))
}

func TestHTTPAuthentication(t *testing.T) {
	tests := []struct {
		name    string
		creds   token.Credentials
		rawURL  func(*transporttest.HTTPServer) string
		wantErr bool
	}{
		{
			name:    "missing credentials",
			rawURL:  (*transporttest.HTTPServer).RepoURL,
			wantErr: true,
		},
		{
			name:    "wrong password",
			creds:   token.Credentials{Username: "alice", Password: "nope"},
			rawURL:  (*transporttest.HTTPServer).RepoURL,
			wantErr: true,
		},
		{
			name:   "credentials option",
			creds:  token.Credentials{Username: "alice", Password: "s3cret"},
			rawURL: (*transporttest.HTTPServer).RepoURL,
		},
		{
			name: "credentials in url",
			rawURL: func(s *transporttest.HTTPServer) string {
				ep, _ := urlutils.Parse(s.RepoURL())
				ep.User, ep.Password = "alice", "s3cret"
				return ep.String()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := transporttest.NewHTTPServer(t, transporttest.FromFixture(packtest.NewFixture()),
				transporttest.HTTPConfig{Username: "alice", Password: "s3cret"})
			n := &Negotiator{Options: Options{Credentials: tt.creds}, InitialInterval: time.Millisecond}

			got, err := n.Negotiate(context.Background(), mustParse(t, tt.rawURL(srv)), Selection{Primary: "main"})
			if tt.wantErr {
				assert.ErrorIs(t, err, clonerr.ErrAuthentication)
				assert.Equal(t, 1, srv.Advertisements(), "authentication failures are not retried")
				return
			}
			require.NoError(t, err)
			got.Pack.Close()
		})
	}
}

func TestHTTPRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		status    int
		retries   int
		wantKind  clonerr.Kind
		wantCalls int
	}{
		{name: "recovers", failures: 2, status: 503, retries: 3, wantCalls: 3},
		{name: "rate limited", failures: 1, status: 429, retries: 1, wantCalls: 2},
		{name: "exhausted", failures: 100, status: 503, retries: 2, wantKind: clonerr.KindTimeout, wantCalls: 3},
		{name: "no retries", failures: 1, status: 502, retries: 0, wantKind: clonerr.KindTimeout, wantCalls: 1},
		{name: "not found is permanent", failures: 100, status: 404, retries: 3, wantKind: clonerr.KindTransport, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := transporttest.NewHTTPServer(t, transporttest.FromFixture(packtest.NewFixture()),
				transporttest.HTTPConfig{FailAdvertisements: tt.failures, FailStatus: tt.status})
			n := &Negotiator{Retries: tt.retries, InitialInterval: time.Millisecond}

			got, err := n.Negotiate(context.Background(), mustParse(t, srv.RepoURL()), Selection{Primary: "main"})
			assert.Equal(t, tt.wantCalls, srv.Advertisements())
			if tt.wantKind != clonerr.KindUnknown {
				assert.Equal(t, tt.wantKind, clonerr.KindOf(err), "error: %v", err)
				return
			}
			require.NoError(t, err)
			got.Pack.Close()
		})
	}
}

func TestHTTPRepositoryNotFound(t *testing.T) {
	srv := transporttest.NewHTTPServer(t, transporttest.FromFixture(packtest.NewFixture()), transporttest.HTTPConfig{})

	_, err := (&Negotiator{}).Negotiate(context.Background(), mustParse(t, srv.URL+"/missing.git"), Selection{Primary: "main"})
	assert.ErrorIs(t, err, clonerr.ErrTransport)
	assert.ErrorIs(t, err, errRepositoryNotFound)
}

func TestHTTPDumbServer(t *testing.T) {
	srv := transporttest.NewHTTPServer(t, transporttest.FromFixture(packtest.NewFixture()), transporttest.HTTPConfig{Dumb: true})

	_, err := (&Negotiator{}).Negotiate(context.Background(), mustParse(t, srv.RepoURL()), Selection{Primary: "main"})
	assert.ErrorIs(t, err, clonerr.ErrTransport)
	assert.Contains(t, err.Error(), "smart HTTP")
}

func TestHTTPMissingBranch(t *testing.T) {
	srv := transporttest.NewHTTPServer(t, transporttest.FromFixture(packtest.NewFixture()), transporttest.HTTPConfig{})

	_, err := (&Negotiator{}).Negotiate(context.Background(), mustParse(t, srv.RepoURL()), Selection{Primary: "release"})
	assert.ErrorIs(t, err, clonerr.ErrRefNotFound)
	assert.Empty(t, srv.Repo.Requests(), "no pack is requested for an unknown branch")
}

func TestHTTPContext(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		srv := transporttest.NewHTTPServer(t, transporttest.FromFixture(packtest.NewFixture()), transporttest.HTTPConfig{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := (&Negotiator{}).Negotiate(ctx, mustParse(t, srv.RepoURL()), Selection{Primary: "main"})
		assert.ErrorIs(t, err, clonerr.ErrCancelled)
	})

	t.Run("deadline while waiting for the pack", func(t *testing.T) {
		repo := transporttest.FromFixture(packtest.NewFixture())
		repo.PackDelay = 5 * time.Second
		srv := transporttest.NewHTTPServer(t, repo, transporttest.HTTPConfig{})
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		_, err := (&Negotiator{}).Negotiate(ctx, mustParse(t, srv.RepoURL()), Selection{Primary: "main"})
		assert.ErrorIs(t, err, clonerr.ErrTimeout)
	})
}
