package transporttest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// HTTPConfig tunes the smart HTTP server.
type HTTPConfig struct {
	// RepoPath is the URL path of the repository, "/repo.git" by default.
	RepoPath string
	Username string
	Password string
	// FailAdvertisements answers that many advertisement requests with
	// FailStatus before serving normally.
	FailAdvertisements int
	FailStatus         int
	// Dumb serves the advertisement with a plain content type.
	Dumb bool
}

// HTTPServer is a smart HTTP git server.
type HTTPServer struct {
	*httptest.Server
	Repo *Repo

	cfg HTTPConfig

	mu             sync.Mutex
	advertisements int
	userAgents     []string
}

// NewHTTPServer starts a server for repo that is closed when the test ends.
func NewHTTPServer(t testing.TB, repo *Repo, cfg HTTPConfig) *HTTPServer {
	t.Helper()
	if cfg.RepoPath == "" {
		cfg.RepoPath = "/repo.git"
	}
	if cfg.FailStatus == 0 {
		cfg.FailStatus = http.StatusServiceUnavailable
	}
	s := &HTTPServer{Repo: repo, cfg: cfg}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// RepoURL returns the clone URL of the repository.
func (s *HTTPServer) RepoURL() string {
	return s.URL + s.cfg.RepoPath
}

// Advertisements returns how many advertisement requests were received.
func (s *HTTPServer) Advertisements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertisements
}

// UserAgents returns the User-Agent headers seen so far.
func (s *HTTPServer) UserAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.userAgents...)
}

func (s *HTTPServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.userAgents = append(s.userAgents, r.UserAgent())
	s.mu.Unlock()

	if s.cfg.Username != "" || s.cfg.Password != "" {
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="git"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if user != s.cfg.Username || pass != s.cfg.Password {
			http.Error(w, "invalid credentials", http.StatusForbidden)
			return
		}
	}

	rest, ok := strings.CutPrefix(r.URL.Path, s.cfg.RepoPath)
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case rest == "/info/refs" && r.Method == http.MethodGet:
		s.advertise(w, r)
	case rest == "/git-upload-pack" && r.Method == http.MethodPost:
		if r.Header.Get("Content-Type") != "application/x-git-upload-pack-request" {
			http.Error(w, "bad content type", http.StatusUnsupportedMediaType)
			return
		}
		w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
		if err := s.Repo.ServeUploadPack(r.Context(), r.Body, w); err != nil {
			// headers are already out; dropping the connection is all that is left
			panic(http.ErrAbortHandler)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *HTTPServer) advertise(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("service") != "git-upload-pack" {
		http.Error(w, "service required", http.StatusForbidden)
		return
	}
	s.mu.Lock()
	s.advertisements++
	fail := s.advertisements <= s.cfg.FailAdvertisements
	s.mu.Unlock()
	if fail {
		http.Error(w, "try again later", s.cfg.FailStatus)
		return
	}

	if s.cfg.Dumb {
		w.Header().Set("Content-Type", "text/plain")
	} else {
		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	}
	w.Header().Set("Cache-Control", "no-cache")
	s.Repo.WriteAdvertisement(w, true)
}
