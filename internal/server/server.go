package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/commitwatch/internal/command"
	"github.com/drewdunne/commitwatch/internal/config"
	"github.com/drewdunne/commitwatch/internal/metrics"
)

// maxCommandBody bounds POST /command and /poll payloads.
const maxCommandBody = 64 << 10

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// CommandRequest is the POST /command body.
type CommandRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// CommandResponse is the POST /command reply.
type CommandResponse struct {
	Replies []string `json:"replies"`
}

// PollResponse is the POST /poll reply.
type PollResponse struct {
	Published bool `json:"published"`
}

// Poller runs poll cycles. *poll.Driver implements it.
type Poller interface {
	RunCycle(ctx context.Context) bool
	Repositories() []string
}

// Commander answers chat commands. *command.Dispatcher implements it.
type Commander interface {
	Handle(ctx context.Context, channel, text string) ([]string, error)
}

// Pinger reports whether the docker daemon answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server for commitwatch.
type Server struct {
	cfg   *config.Config
	mux   *http.ServeMux
	ready chan struct{} // closed when server is ready to accept connections
	log   *zap.SugaredLogger

	mu       sync.RWMutex // protects srv and listener
	srv      *http.Server
	listener net.Listener
	work     *inflight

	poller       Poller
	commands     Commander
	docker       Pinger
	svnAvailable bool

	onShutdown   []func()
	shutdownOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithDocker enables the docker health check.
func WithDocker(p Pinger) Option {
	return func(s *Server) {
		s.docker = p
	}
}

// OnShutdown registers fn to run once when the server stops.
func OnShutdown(fn func()) Option {
	return func(s *Server) {
		s.onShutdown = append(s.onShutdown, fn)
	}
}

// New creates a new Server with the given config.
func New(cfg *config.Config, poller Poller, commands Commander, log *zap.SugaredLogger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		cfg:          cfg,
		mux:          http.NewServeMux(),
		ready:        make(chan struct{}),
		log:          log,
		work:         newInflight(),
		poller:       poller,
		commands:     commands,
		svnAvailable: checkSVNAvailable(cfg.SVN.Binary),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Ready returns a channel that is closed when the server is ready to accept connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// checkSVNAvailable checks if the svn client is on PATH.
func checkSVNAvailable(binary string) bool {
	if binary == "" {
		binary = "svn"
	}
	_, err := exec.LookPath(binary)
	return err == nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// routes sets up the HTTP routes.
func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/poll", s.tracked(s.handlePoll))
	s.mux.HandleFunc("/command", s.tracked(s.handleCommand))
}

// handleHealth responds with server health status. The status is degraded
// when svn repositories are configured but no svn client can run.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dockerAvailable := false
	if s.docker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		dockerAvailable = s.docker.Ping(ctx) == nil
		cancel()
	}

	repositories := 0
	if s.poller != nil {
		repositories = len(s.poller.Repositories())
	}

	checks := map[string]interface{}{
		"svn":          s.svnAvailable,
		"docker":       dockerAvailable,
		"repositories": repositories,
	}

	status := "ok"
	if s.needsSVN() {
		canRun := s.svnAvailable
		if s.cfg.SVN.DockerImage != "" {
			canRun = dockerAvailable
		}
		if !canRun {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status: status,
		Checks: checks,
	})
}

func (s *Server) needsSVN() bool {
	for _, r := range s.cfg.Repositories {
		if r.EffectiveKind() == config.KindSVN {
			return true
		}
	}
	return false
}

// handleMetrics responds with current operational metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.Get())
}

// readSigned reads the request body and, when server.command_secret is set,
// checks its signature. On failure the response has been written.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}

	secret := s.cfg.Server.CommandSecret
	if secret == "" {
		return body, true
	}
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		http.Error(w, "missing signature", http.StatusUnauthorized)
		return nil, false
	}
	if !verifySignature(secret, body, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

// handlePoll runs one poll cycle now. When server.command_secret is set the
// (possibly empty) body must be signed.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.poller == nil {
		http.Error(w, "polling not configured", http.StatusServiceUnavailable)
		return
	}
	if _, ok := s.readSigned(w, r); !ok {
		return
	}

	published := s.poller.RunCycle(r.Context())
	writeJSON(w, http.StatusOK, PollResponse{Published: published})
}

// handleCommand runs a chat command. When server.command_secret is set the
// body must be signed.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, ok := s.readSigned(w, r)
	if !ok {
		return
	}

	var req CommandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "failed to parse payload", http.StatusBadRequest)
		return
	}

	replies, err := s.commands.Handle(r.Context(), req.Channel, req.Text)
	if errors.Is(err, command.ErrUnknownCommand) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Errorw("command failed", "channel", req.Channel, "error", err)
		http.Error(w, "command failed", http.StatusInternalServerError)
		return
	}

	if replies == nil {
		replies = []string{}
	}
	writeJSON(w, http.StatusOK, CommandResponse{Replies: replies})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
