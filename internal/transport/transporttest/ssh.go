package transporttest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig tunes the SSH server.
type SSHConfig struct {
	// RepoPath is the path upload-pack must be asked for, "/repo.git" by default.
	RepoPath string
	User     string
	Password string
	// AuthorizedKey, if set, is accepted for public key authentication.
	AuthorizedKey ssh.PublicKey
}

// SSHServer runs git-upload-pack for one repository.
type SSHServer struct {
	Addr    string
	HostKey ssh.PublicKey
	Repo    *Repo

	cfg      SSHConfig
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	commands []string
}

// NewSSHServer starts a server for repo that is stopped when the test ends.
func NewSSHServer(t testing.TB, repo *Repo, cfg SSHConfig) *SSHServer {
	t.Helper()
	if cfg.RepoPath == "" {
		cfg.RepoPath = "/repo.git"
	}
	if cfg.User == "" {
		cfg.User = "git"
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("creating host signer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SSHServer{
		Addr:     ln.Addr().String(),
		HostKey:  signer.PublicKey(),
		Repo:     repo,
		cfg:      cfg,
		listener: ln,
		ctx:      ctx,
		cancel:   cancel,
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if cfg.Password != "" && meta.User() == cfg.User && string(pass) == cfg.Password {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if cfg.AuthorizedKey != nil && meta.User() == cfg.User &&
				string(key.Marshal()) == string(cfg.AuthorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("key rejected")
		},
	}
	config.AddHostKey(signer)

	s.wg.Add(1)
	go s.acceptLoop(config)
	t.Cleanup(s.Close)
	return s
}

// RepoURL returns the ssh:// URL of the repository.
func (s *SSHServer) RepoURL() string {
	return fmt.Sprintf("ssh://%s@%s%s", s.cfg.User, s.Addr, s.cfg.RepoPath)
}

// KnownHostsFile writes a known_hosts file trusting the server.
func (s *SSHServer) KnownHostsFile(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(s.Addr)}, s.HostKey)
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("writing known_hosts: %v", err)
	}
	return path
}

// Commands returns the exec commands received so far.
func (s *SSHServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops the server.
func (s *SSHServer) Close() {
	s.cancel()
	s.listener.Close()
	s.wg.Wait()
}

func (s *SSHServer) acceptLoop(config *ssh.ServerConfig) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn, config)
		}()
	}
}

func (s *SSHServer) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSession(ch, requests)
		}()
	}
}

func (s *SSHServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		status := s.run(ch, payload.Command)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func (s *SSHServer) run(ch ssh.Channel, command string) uint32 {
	want := "git-upload-pack '" + s.cfg.RepoPath + "'"
	if command != want {
		path := strings.TrimPrefix(command, "git-upload-pack ")
		fmt.Fprintf(ch.Stderr(), "fatal: %s does not appear to be a git repository\n", path)
		return 128
	}
	if err := s.Repo.WriteAdvertisement(ch, false); err != nil {
		return 1
	}
	if err := s.Repo.ServeUploadPack(s.ctx, ch, ch); err != nil {
		return 1
	}
	return 0
}
