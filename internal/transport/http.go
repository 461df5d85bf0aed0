package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/logger"
	"github.com/NicabarNimble/go-gitclone/internal/urlutils"
)

const (
	advertisementType = "application/x-git-upload-pack-advertisement"
	requestType       = "application/x-git-upload-pack-request"
	resultType        = "application/x-git-upload-pack-result"
)

var defaultHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
	},
}

// HTTPTransport speaks the smart HTTP protocol.
type HTTPTransport struct{}

// Open returns a session. No request is made until the advertisement is
// asked for.
func (HTTPTransport) Open(_ context.Context, ep *urlutils.Endpoint, opts Options) (Session, error) {
	client := opts.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}
	creds := opts.Credentials
	if creds.IsZero() && (ep.User != "" || ep.Password != "") {
		creds.Username, creds.Password = ep.User, ep.Password
	}
	s := &httpSession{
		client: client,
		base:   ep.BaseURL(),
		agent:  opts.agent(),
		log:    logger.Log.WithFields(logrus.Fields{"remote": ep.Redacted(), "transport": "http"}),
	}
	s.user, s.password = creds.Username, creds.Password
	return s, nil
}

type httpSession struct {
	client         *http.Client
	base           string
	agent          string
	user, password string
	log            *logrus.Entry
	adv            *Advertisement
}

func (s *httpSession) AdvertisedRefs(ctx context.Context) (*Advertisement, error) {
	if s.adv != nil {
		return s.adv, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/info/refs?service=git-upload-pack", nil)
	if err != nil {
		return nil, clonerr.Wrap(negotiateOp, clonerr.KindTransport, err)
	}
	req.Header.Set("Accept", advertisementType)

	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, advertisementType) {
		return nil, clonerr.Errorf(negotiateOp, clonerr.KindTransport,
			"server does not speak smart HTTP (content type %q)", ct)
	}
	adv, err := ParseAdvertisement(resp.Body, true)
	if err != nil {
		return nil, err
	}
	s.log.WithField("refs", len(adv.Refs)).Debug("received ref advertisement")
	s.adv = adv
	return adv, nil
}

func (s *httpSession) UploadPack(ctx context.Context, r *UploadPackRequest) (io.ReadCloser, error) {
	body, err := r.Bytes()
	if err != nil {
		return nil, clonerr.Wrap(negotiateOp, clonerr.KindTransport, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/git-upload-pack", bytes.NewReader(body))
	if err != nil {
		return nil, clonerr.Wrap(negotiateOp, clonerr.KindTransport, err)
	}
	req.Header.Set("Content-Type", requestType)
	req.Header.Set("Accept", resultType)

	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, resultType) {
		resp.Body.Close()
		return nil, clonerr.Errorf(negotiateOp, clonerr.KindTransport, "unexpected upload-pack content type %q", ct)
	}
	return resp.Body, nil
}

func (s *httpSession) Close() error {
	return nil
}

// do sends req and maps failures onto clone error kinds. The caller owns
// the body of a successful response.
func (s *httpSession) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", "git/2.0 ("+s.agent+")")
	if s.user != "" || s.password != "" {
		req.SetBasicAuth(s.user, s.password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, clonerr.FromContext(negotiateOp, fmt.Errorf("%s %s: %w", req.Method, redactURL(req), ctxErr))
		}
		return nil, clonerr.Transient(negotiateOp, fmt.Errorf("%s %s: %w", req.Method, redactURL(req), err))
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	err = statusError(resp.StatusCode, strings.TrimSpace(string(msg)))
	s.log.WithField("status", resp.StatusCode).Debug("request failed")
	return nil, err
}

// HTTPStatusError is an unsuccessful HTTP response.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

var errRepositoryNotFound = errors.New("repository not found")

func statusError(code int, msg string) error {
	httpErr := &HTTPStatusError{StatusCode: code, Message: msg}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return clonerr.Wrap(negotiateOp, clonerr.KindAuthentication, httpErr)
	case code == http.StatusNotFound:
		return clonerr.Wrap(negotiateOp, clonerr.KindTransport, fmt.Errorf("%w: %w", errRepositoryNotFound, httpErr))
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return clonerr.Transient(negotiateOp, httpErr)
	default:
		return clonerr.Wrap(negotiateOp, clonerr.KindTransport, httpErr)
	}
}

func redactURL(req *http.Request) string {
	u := *req.URL
	u.User = nil
	return u.String()
}
