package feed

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/supervisor"
	"github.com/nmxmxh/cosmic-lottery/kernel/utils"
)

var (
	ErrServerClosed = errors.New("feed server closed")
	ErrTooManyPeers = errors.New("too many feed clients")
)

// Source publishes frames and an epoch that advances once per frame
type Source interface {
	Frame() *foundation.Frame
	Epoch() *foundation.Epoch
}

// Config configures the frame feed
type Config struct {
	Path          string
	Compress      bool
	Quality       int           // brotli level 0-11
	WriteTimeout  time.Duration // per message
	PollInterval  time.Duration // max wait on the epoch before servicing replies
	MaxClients    int
	CommandBuffer int
}

// DefaultConfig returns a feed that streams uncompressed frames on /feed
func DefaultConfig() Config {
	return Config{
		Path:          "/feed",
		Quality:       4,
		WriteTimeout:  time.Second,
		PollInterval:  50 * time.Millisecond,
		MaxClients:    16,
		CommandBuffer: 16,
	}
}

// Validate checks the feed configuration
func (c Config) Validate() error {
	if c.Path == "" || c.Path[0] != '/' {
		return fmt.Errorf("feed: path %q must start with /", c.Path)
	}
	if c.Quality < brotliMinQuality || c.Quality > brotliMaxQuality {
		return fmt.Errorf("feed: quality must be in [%d,%d]", brotliMinQuality, brotliMaxQuality)
	}
	if c.WriteTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("feed: timeouts must be positive")
	}
	if c.MaxClients <= 0 || c.CommandBuffer <= 0 {
		return fmt.Errorf("feed: MaxClients and CommandBuffer must be positive")
	}
	return nil
}

const (
	brotliMinQuality = 0
	brotliMaxQuality = 11
)

// Stats counts feed traffic
type Stats struct {
	Clients        int64
	FramesSent     uint64
	BytesSent      uint64
	Commands       uint64
	Rejected       uint64
	Refused        uint64
	CommandsQueued int
}

// Server streams frames to websocket clients and collects their commands.
// Commands are handed to the driving loop through Commands(); the socket
// goroutines never touch the simulation directly.
type Server struct {
	cfg      Config
	source   Source
	clock    utils.Clock
	logger   *utils.Logger
	upgrader websocket.Upgrader
	commands chan foundation.Command

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool

	clients    atomic.Int64
	framesSent atomic.Uint64
	bytesSent  atomic.Uint64
	accepted   atomic.Uint64
	rejected   atomic.Uint64
	refused    atomic.Uint64
}

// peer is one connected client. Only the write loop writes to conn.
type peer struct {
	conn    *websocket.Conn
	replies chan []byte
	done    chan struct{}
	once    sync.Once
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// NewServer creates a feed over source
func NewServer(cfg Config, source Source, logger *utils.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Server{
		cfg:    cfg,
		source: source,
		clock:  utils.SystemClock{},
		logger: logger.Named("feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		commands: make(chan foundation.Command, cfg.CommandBuffer),
		peers:    make(map[*peer]struct{}),
	}, nil
}

// Path is where the feed should be mounted
func (s *Server) Path() string {
	return s.cfg.Path
}

// Commands delivers decoded client commands in arrival order
func (s *Server) Commands() <-chan foundation.Command {
	return s.commands
}

// ServeHTTP upgrades the request and serves the client until either side closes
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.admit(); err != nil {
		s.refused.Add(1)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.clients.Add(-1)
		s.logger.Warn("Upgrade failed", utils.Err(err))
		return
	}

	p := &peer{conn: conn, replies: make(chan []byte, 4), done: make(chan struct{})}
	if !s.register(p) {
		s.clients.Add(-1)
		_ = conn.Close()
		return
	}
	defer func() {
		s.unregister(p)
		s.clients.Add(-1)
	}()

	s.logger.Info("Client connected", utils.String("remote", r.RemoteAddr))
	go s.readLoop(p)
	s.writeLoop(p)
	s.logger.Info("Client disconnected", utils.String("remote", r.RemoteAddr))
}

func (s *Server) admit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.clients.Load() >= int64(s.cfg.MaxClients) {
		return ErrTooManyPeers
	}
	s.clients.Add(1)
	return nil
}

func (s *Server) register(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p] = struct{}{}
	return true
}

func (s *Server) unregister(p *peer) {
	p.close()
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

// writeLoop sends a frame whenever the epoch moves and relays command replies
func (s *Server) writeLoop(p *peer) {
	reader := s.source.Epoch().Reader()
	if frame := s.source.Frame(); frame != nil {
		if err := s.writeFrame(p, frame); err != nil {
			return
		}
	}

	for {
		select {
		case <-p.done:
			return
		case reply := <-p.replies:
			if err := s.write(p, websocket.TextMessage, reply); err != nil {
				return
			}
			continue
		default:
		}

		changed, err := reader.WaitForChange(s.cfg.PollInterval)
		if err != nil {
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "simulation disposed"),
				s.clock.Now().Add(s.cfg.WriteTimeout))
			return
		}
		if !changed {
			continue
		}
		// Frames in between are skipped; clients only ever need the latest
		if frame := s.source.Frame(); frame != nil {
			if err := s.writeFrame(p, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(p *peer, frame *foundation.Frame) error {
	data, err := EncodeFrame(frame, s.cfg.Compress, s.cfg.Quality)
	if err != nil {
		s.logger.Error("Frame encoding failed", utils.Err(err))
		return err
	}
	if err := s.write(p, websocket.BinaryMessage, data); err != nil {
		return err
	}
	s.framesSent.Add(1)
	return nil
}

func (s *Server) write(p *peer, kind int, data []byte) error {
	if err := p.conn.SetWriteDeadline(s.clock.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := p.conn.WriteMessage(kind, data); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("Write failed", utils.Err(err))
		}
		return err
	}
	s.bytesSent.Add(uint64(len(data)))
	return nil
}

// readLoop decodes client commands. Malformed ones are answered with a
// validation_error status and never reach the driving loop.
func (s *Server) readLoop(p *peer) {
	defer p.close()
	for {
		kind, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Client read failed", utils.Err(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			s.reply(p, supervisor.Status{
				Kind: supervisor.StatusValidationError,
				Err:  foundation.NewValidationError("", "", "commands must be text messages"),
			})
			continue
		}

		cmd, err := supervisor.DecodeCommand(message)
		if err != nil {
			s.rejected.Add(1)
			s.reply(p, supervisor.Status{Kind: supervisor.StatusValidationError, Err: err})
			continue
		}

		select {
		case s.commands <- cmd:
			s.accepted.Add(1)
		default:
			s.rejected.Add(1)
			s.reply(p, supervisor.Status{Kind: supervisor.StatusFrameDropped, Detail: "command queue full: " + string(cmd.Kind())})
		}
	}
}

func (s *Server) reply(p *peer, status supervisor.Status) {
	status.At = s.clock.Now()
	data, err := supervisor.EncodeStatus(status)
	if err != nil {
		s.logger.Error("Status encoding failed", utils.Err(err))
		return
	}
	select {
	case p.replies <- data:
	case <-p.done:
	default:
		s.logger.Debug("Reply dropped", utils.String("status", string(status.Kind)))
	}
}

// Close disconnects every client. Later connections are refused.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	s.logger.Info("Feed closed", utils.Int("clients", len(peers)))
	return nil
}

func (s *Server) GetStats() Stats {
	return Stats{
		Clients:        s.clients.Load(),
		FramesSent:     s.framesSent.Load(),
		BytesSent:      s.bytesSent.Load(),
		Commands:       s.accepted.Load(),
		Rejected:       s.rejected.Load(),
		Refused:        s.refused.Load(),
		CommandsQueued: len(s.commands),
	}
}
