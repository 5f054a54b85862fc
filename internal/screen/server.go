package screen

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/domain"
)

const writeTimeout = 10 * time.Second

type client struct {
	id   string
	name string
	conn net.Conn

	wmu sync.Mutex
}

func (c *client) send(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

type Server struct {
	addr         string
	maxFrameSize int64

	mu      sync.RWMutex
	clients map[string]*client

	// One lock covers the whole presenter state machine.
	presenterMu sync.Mutex
	presenter   string

	ln       net.Listener
	stopping atomic.Bool
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

func NewServer(host string, port int, maxFrameSize int64) *Server {
	return &Server{
		addr:         fmt.Sprintf("%s:%d", host, port),
		maxFrameSize: maxFrameSize,
		clients:      make(map[string]*client),
		logger:       log.With().Str("module", "screen").Logger(),
	}
}

func (s *Server) Name() string { return "screen" }

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("screen listen: %w", err)
	}
	s.ln = ln
	s.stopping.Store(false)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", s.addr).Msg("screen relay started")
	return nil
}

func (s *Server) Stop() {
	s.stopping.Store(true)
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	for _, c := range s.clients {
		_ = c.conn.Close()
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	s.presenterMu.Lock()
	s.presenter = ""
	s.presenterMu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("screen relay stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.stopping.Load() {
				s.logger.Error().Err(err).Msg("accept error")
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	reader := bufio.NewReader(conn)
	name, err := reader.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return
	}
	name = strings.TrimSpace(name)
	if err := domain.ValidUsername(name); err != nil {
		s.logger.Warn().Err(err).Msg("rejecting screen client")
		_ = conn.Close()
		return
	}

	c := &client{id: uuid.NewString(), name: name, conn: conn}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info().Str("username", name).Msg("screen client connected")

	// A client arriving mid-presentation needs the banner immediately.
	s.presenterMu.Lock()
	current := s.presenter
	s.presenterMu.Unlock()
	if current != "" {
		s.sendTo(c, Message{Type: "presenter_started", Username: current})
	}

	defer func() {
		s.stopPresenting(c.name)
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Info().Str("username", name).Msg("screen client disconnected")
	}()

	for {
		msg, err := readMessage(reader, s.maxFrameSize)
		if err != nil {
			return
		}

		switch msg.Type {
		case "start_presenting":
			s.startPresenting(c)
		case "stop_presenting":
			s.stopPresenting(c.name)
		case "screen_frame":
			s.relayFrame(c, msg.Frame)
		default:
			s.logger.Warn().Str("type", msg.Type).Msg("unknown screen message")
		}
	}
}

// startPresenting grants the slot if it is free; otherwise only the
// requester learns who holds it. The transition is decided under the
// presenter lock, notifications go out after it is released.
func (s *Server) startPresenting(c *client) {
	s.presenterMu.Lock()
	granted := s.presenter == ""
	current := s.presenter
	if granted {
		s.presenter = c.name
	}
	s.presenterMu.Unlock()

	if !granted {
		s.logger.Info().Str("username", c.name).Str("presenter", current).Msg("presenting denied")
		s.sendTo(c, Message{Type: "presenting_allowed", Allowed: false, CurrentPresenter: current})
		return
	}

	s.logger.Info().Str("username", c.name).Msg("started presenting")
	s.broadcast(Message{Type: "presenter_started", Username: c.name}, "")
	s.sendTo(c, Message{Type: "presenting_allowed", Allowed: true})
}

// stopPresenting is a no-op unless username currently holds the slot.
func (s *Server) stopPresenting(username string) {
	s.presenterMu.Lock()
	held := s.presenter == username
	if held {
		s.presenter = ""
	}
	s.presenterMu.Unlock()

	if !held {
		return
	}
	s.logger.Info().Str("username", username).Msg("stopped presenting")
	s.broadcast(Message{Type: "presenter_stopped", Username: username}, "")
}

// relayFrame forwards a frame to every viewer, but only from the client
// that holds the presenter slot. Frames from anyone else are dropped.
func (s *Server) relayFrame(c *client, frame []byte) {
	s.presenterMu.Lock()
	held := s.presenter == c.name
	s.presenterMu.Unlock()
	if !held {
		return
	}
	s.broadcast(Message{Type: "screen_frame", Username: c.name, Frame: frame}, c.id)
}

func (s *Server) sendTo(c *client, msg Message) {
	data, err := encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode message")
		return
	}
	if err := c.send(data); err != nil {
		s.logger.Warn().Str("username", c.name).Err(err).Msg("send failed, pruning client")
		s.prune(c)
	}
}

func (s *Server) broadcast(msg Message, excludeID string) {
	data, err := encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode broadcast")
		return
	}

	s.mu.RLock()
	snapshot := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if id == excludeID {
			continue
		}
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	for _, c := range snapshot {
		if err := c.send(data); err != nil {
			s.logger.Warn().Str("username", c.name).Err(err).Msg("broadcast failed, pruning client")
			s.prune(c)
		}
	}
}

func (s *Server) prune(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	_ = c.conn.Close()
}
