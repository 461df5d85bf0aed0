// Package urlutils parses git remote locations.
// It supports the forms git itself accepts for network remotes:
//   - https://host[:port]/path and http://host[:port]/path
//   - ssh://[user@]host[:port]/path
//   - [user@]host:path (scp-like syntax, implies ssh)
//
// Credentials embedded in a URL are kept on the Endpoint but never appear
// in its redacted or stored forms.
package urlutils

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
)

var (
	// ErrInvalidURL indicates that the provided URL is not valid
	ErrInvalidURL = errors.New("invalid URL format")

	// ErrUnsupportedScheme indicates a transport this client does not speak
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")

	// ErrInvalidPath indicates that the URL path is not a valid repository path
	ErrInvalidPath = errors.New("invalid repository path")

	// ErrEmptyToken indicates that an empty token was provided
	ErrEmptyToken = errors.New("empty token provided")
)

// Scheme names a transport protocol.
type Scheme string

const (
	SchemeHTTPS Scheme = "https"
	SchemeHTTP  Scheme = "http"
	SchemeSSH   Scheme = "ssh"
)

// DefaultPort returns the well-known port of the scheme.
func (s Scheme) DefaultPort() int {
	switch s {
	case SchemeHTTPS:
		return 443
	case SchemeHTTP:
		return 80
	case SchemeSSH:
		return 22
	}
	return 0
}

// Endpoint is a parsed remote location.
type Endpoint struct {
	Scheme   Scheme
	User     string
	Password string
	Host     string
	Port     int // 0 means the scheme default
	Path     string

	// SCPLike records that the endpoint was written as user@host:path.
	SCPLike bool
}

// Parse parses a remote URI.
func Parse(raw string) (*Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		return parseSCPLike(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	ep := &Endpoint{Scheme: Scheme(strings.ToLower(u.Scheme)), Host: u.Hostname(), Path: u.Path}
	switch ep.Scheme {
	case SchemeHTTPS, SchemeHTTP, SchemeSSH:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if ep.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidURL, p)
		}
		ep.Port = port
	}
	if u.User != nil {
		ep.User = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	if strings.Trim(ep.Path, "/") == "" {
		return nil, fmt.Errorf("%w: URL must include a repository path", ErrInvalidPath)
	}
	return ep, nil
}

func parseSCPLike(raw string) (*Endpoint, error) {
	colon := strings.Index(raw, ":")
	slash := strings.Index(raw, "/")
	if colon <= 0 || (slash >= 0 && slash < colon) {
		return nil, fmt.Errorf("%w: %q is neither a URL nor user@host:path", ErrInvalidURL, raw)
	}
	hostPart, p := raw[:colon], raw[colon+1:]
	ep := &Endpoint{Scheme: SchemeSSH, Host: hostPart, Path: p, SCPLike: true}
	if at := strings.LastIndex(hostPart, "@"); at >= 0 {
		ep.User, ep.Host = hostPart[:at], hostPart[at+1:]
	}
	if ep.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if strings.Trim(p, "/") == "" {
		return nil, fmt.Errorf("%w: missing repository path", ErrInvalidPath)
	}
	return ep, nil
}

// EffectivePort returns Port, or the scheme default when unset.
func (e *Endpoint) EffectivePort() int {
	if e.Port != 0 {
		return e.Port
	}
	return e.Scheme.DefaultPort()
}

// HostPort returns host:port for dialing.
func (e *Endpoint) HostPort() string {
	return fmt.Sprintf("%s:%d", hostLiteral(e.Host), e.EffectivePort())
}

// String returns the endpoint including any credentials.
func (e *Endpoint) String() string {
	return e.format(e.userinfo(false))
}

// Redacted returns the endpoint with the password masked, safe for logs.
func (e *Endpoint) Redacted() string {
	return e.format(e.userinfo(true))
}

// WithoutCredentials returns the endpoint with the password removed. The
// user name of ssh endpoints is kept since it selects the account rather
// than authenticating it.
func (e *Endpoint) WithoutCredentials() string {
	if e.Scheme == SchemeSSH && e.User != "" {
		return e.format(url.User(e.User).String())
	}
	return e.format("")
}

// BaseURL returns the http(s) URL of the repository without credentials
// and without a trailing slash.
func (e *Endpoint) BaseURL() string {
	return strings.TrimSuffix(e.format(""), "/")
}

func (e *Endpoint) userinfo(redact bool) string {
	switch {
	case e.User == "" && e.Password == "":
		return ""
	case redact && e.Password == "" && e.Scheme != SchemeSSH:
		// a lone http user is usually a token
		return "***"
	case e.Password == "":
		return url.User(e.User).String()
	case redact:
		return url.User(e.User).String() + ":***"
	default:
		return url.UserPassword(e.User, e.Password).String()
	}
}

func (e *Endpoint) format(userinfo string) string {
	if e.SCPLike {
		host := e.Host
		if e.User != "" && userinfo != "" {
			host = e.User + "@" + host
		}
		return host + ":" + e.Path
	}
	u := url.URL{Scheme: string(e.Scheme), Host: e.hostWithPort(), Path: e.Path}
	s := u.String()
	if userinfo == "" {
		return s
	}
	prefix := string(e.Scheme) + "://"
	return prefix + userinfo + "@" + strings.TrimPrefix(s, prefix)
}

func (e *Endpoint) hostWithPort() string {
	if e.Port == 0 {
		return hostLiteral(e.Host)
	}
	return fmt.Sprintf("%s:%d", hostLiteral(e.Host), e.Port)
}

func hostLiteral(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

// FormatTokenURL returns a copy of u carrying the given credentials.
// The original URL is not modified.
func FormatTokenURL(u *url.URL, user, token string) (*url.URL, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: nil URL provided", ErrInvalidURL)
	}
	if token == "" {
		return nil, ErrEmptyToken
	}
	tokenURL := *u
	if user == "" {
		tokenURL.User = url.User(token)
	} else {
		tokenURL.User = url.UserPassword(user, token)
	}
	return &tokenURL, nil
}

// RepositoryName returns the directory name git would pick for a clone of
// raw: the last path element without a .git suffix.
func RepositoryName(raw string) (string, error) {
	ep, err := Parse(raw)
	if err != nil {
		return "", err
	}
	name := path.Base(strings.TrimRight(ep.Path, "/"))
	name = strings.TrimSuffix(name, ".git")
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("%w: cannot derive a directory name from %q", ErrInvalidPath, ep.Redacted())
	}
	return name, nil
}

// ValidateURL checks if raw is a remote this client can clone from.
func ValidateURL(raw string) error {
	_, err := Parse(raw)
	return err
}
