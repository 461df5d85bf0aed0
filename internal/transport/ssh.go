package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/logger"
	"github.com/NicabarNimble/go-gitclone/internal/urlutils"
)

const defaultSSHUser = "git"

// SSHTransport runs git-upload-pack on the remote over SSH.
type SSHTransport struct{}

type sshTarget struct {
	alias string
	host  string
	port  int
	user  string
}

// Open dials and authenticates. The upload-pack command is started right
// away since its first output is the ref advertisement.
func (SSHTransport) Open(ctx context.Context, ep *urlutils.Endpoint, opts Options) (Session, error) {
	target, err := resolveSSHTarget(ep, opts)
	if err != nil {
		return nil, err
	}
	log := logger.Log.WithFields(logrus.Fields{"remote": ep.Redacted(), "transport": "ssh"})

	hostKeys, err := hostKeyCallback(opts)
	if err != nil {
		return nil, clonerr.Wrap(negotiateOp, clonerr.KindTransport, err)
	}
	auth, closeAgent := authMethods(opts, target, log)
	defer closeAgent()

	cfg := &ssh.ClientConfig{
		User:            target.user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		ClientVersion:   "SSH-2.0-" + strings.ReplaceAll(opts.agent(), " ", "_"),
		Timeout:         30 * time.Second,
	}

	addr := net.JoinHostPort(target.host, strconv.Itoa(target.port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, clonerr.FromContext(negotiateOp, ctx.Err())
		}
		return nil, clonerr.Transient(negotiateOp, fmt.Errorf("dial %s: %w", addr, err))
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, clonerr.FromContext(negotiateOp, ctx.Err())
		}
		return nil, handshakeError(addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	s := &sshSession{client: client, log: log}
	if err := s.start(ep.Path); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func resolveSSHTarget(ep *urlutils.Endpoint, opts Options) (sshTarget, error) {
	t := sshTarget{alias: ep.Host, host: ep.Host, port: ep.Port, user: ep.User}

	get := ssh_config.Get
	if opts.SSHConfigFile != "" {
		f, err := os.Open(opts.SSHConfigFile)
		if err != nil {
			return t, clonerr.Wrap(negotiateOp, clonerr.KindTransport, fmt.Errorf("reading ssh config: %w", err))
		}
		cfg, err := ssh_config.Decode(f)
		f.Close()
		if err != nil {
			return t, clonerr.Wrap(negotiateOp, clonerr.KindTransport, fmt.Errorf("parsing ssh config: %w", err))
		}
		get = func(alias, key string) string {
			v, _ := cfg.Get(alias, key)
			return v
		}
	}

	if h := get(t.alias, "HostName"); h != "" {
		t.host = h
	}
	if t.port == 0 {
		if p, err := strconv.Atoi(get(t.alias, "Port")); err == nil && p > 0 {
			t.port = p
		} else {
			t.port = urlutils.SchemeSSH.DefaultPort()
		}
	}
	if t.user == "" {
		t.user = get(t.alias, "User")
	}
	if t.user == "" {
		t.user = opts.Credentials.Username
	}
	if t.user == "" {
		t.user = defaultSSHUser
	}
	return t, nil
}

func hostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	files := opts.KnownHostsFiles
	if len(files) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating known_hosts: %w", err)
		}
		files = []string{filepath.Join(home, ".ssh", "known_hosts")}
	}
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	return cb, nil
}

func authMethods(opts Options, t sshTarget, log *logrus.Entry) ([]ssh.AuthMethod, func()) {
	var methods []ssh.AuthMethod
	closer := func() {}

	if pw := opts.Credentials.Password; pw != "" {
		methods = append(methods,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}

	var signers []ssh.Signer
	if opts.IdentityFile != "" {
		if key, err := os.ReadFile(opts.IdentityFile); err != nil {
			log.WithError(err).Warn("cannot read identity file")
		} else if signer, err := ssh.ParsePrivateKey(key); err != nil {
			log.WithError(err).Warn("cannot parse identity file")
		} else {
			signers = append(signers, signer)
		}
	}

	var agentSigners func() ([]ssh.Signer, error)
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentSigners = agent.NewClient(conn).Signers
			closer = func() { conn.Close() }
		} else {
			log.WithError(err).Debug("ssh agent unavailable")
		}
	}

	if len(signers) > 0 || agentSigners != nil {
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			all := append([]ssh.Signer(nil), signers...)
			if agentSigners != nil {
				if more, err := agentSigners(); err == nil {
					all = append(all, more...)
				}
			}
			return all, nil
		}))
	}
	log.WithFields(logrus.Fields{"user": t.user, "methods": len(methods)}).Debug("ssh auth configured")
	return methods, closer
}

func handshakeError(addr string, err error) error {
	var keyErr *knownhosts.KeyError
	switch {
	case errors.As(err, &keyErr):
		return clonerr.Wrap(negotiateOp, clonerr.KindTransport, fmt.Errorf("host key verification failed for %s: %w", addr, err))
	case strings.Contains(err.Error(), "unable to authenticate"), strings.Contains(err.Error(), "no supported methods remain"):
		return clonerr.Wrap(negotiateOp, clonerr.KindAuthentication, fmt.Errorf("ssh %s: %w", addr, err))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return clonerr.Transient(negotiateOp, fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	return clonerr.Wrap(negotiateOp, clonerr.KindTransport, fmt.Errorf("ssh handshake with %s: %w", addr, err))
}

type sshSession struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  bytes.Buffer
	log     *logrus.Entry

	mu     sync.Mutex
	adv    *Advertisement
	closed bool
}

func (s *sshSession) start(path string) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return clonerr.Transient(negotiateOp, fmt.Errorf("opening ssh session: %w", err))
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return clonerr.Wrap(negotiateOp, clonerr.KindTransport, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return clonerr.Wrap(negotiateOp, clonerr.KindTransport, err)
	}
	sess.Stderr = &lockedWriter{w: &s.stderr, mu: &s.mu}

	if err := sess.Start(UploadPackCommand(path)); err != nil {
		sess.Close()
		return clonerr.Wrap(negotiateOp, clonerr.KindTransport, fmt.Errorf("starting git-upload-pack: %w", err))
	}
	s.session, s.stdin, s.stdout = sess, stdin, stdout
	return nil
}

// UploadPackCommand returns the remote command for a repository path,
// quoted for a POSIX shell.
func UploadPackCommand(path string) string {
	return "git-upload-pack '" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

func (s *sshSession) AdvertisedRefs(ctx context.Context) (*Advertisement, error) {
	if s.adv != nil {
		return s.adv, nil
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	adv, err := ParseAdvertisement(s.stdout, false)
	if err != nil {
		if ctx.Err() != nil {
			return nil, clonerr.FromContext(negotiateOp, ctx.Err())
		}
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		// the remote command ended early; its exit status and stderr
		// explain why
		var exitErr *ssh.ExitError
		if errors.As(s.session.Wait(), &exitErr) {
			return nil, clonerr.Wrap(negotiateOp, clonerr.KindTransport,
				fmt.Errorf("git-upload-pack exited with status %d: %s", exitErr.ExitStatus(), s.remoteMessage()))
		}
		return nil, err
	}
	s.log.WithField("refs", len(adv.Refs)).Debug("received ref advertisement")
	s.adv = adv
	return adv, nil
}

func (s *sshSession) UploadPack(ctx context.Context, r *UploadPackRequest) (io.ReadCloser, error) {
	if err := r.Encode(s.stdin); err != nil {
		if ctx.Err() != nil {
			return nil, clonerr.FromContext(negotiateOp, ctx.Err())
		}
		return nil, clonerr.Wrap(negotiateOp, clonerr.KindTransport, fmt.Errorf("sending upload-pack request: %w", err))
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	return &sshPackReader{s: s, stop: stop}, nil
}

func (s *sshSession) remoteMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.stderr.String())
}

func (s *sshSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.session != nil {
		s.session.Close()
	}
	return s.client.Close()
}

type sshPackReader struct {
	s    *sshSession
	stop func() bool
}

func (r *sshPackReader) Read(p []byte) (int, error) {
	return r.s.stdout.Read(p)
}

func (r *sshPackReader) Close() error {
	r.stop()
	return nil
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
