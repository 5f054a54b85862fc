// Package chat relays text messages between every connected client.
package chat

import (
	"bufio"
	"encoding/json"
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

const writeTimeout = 5 * time.Second

// Message is the chat wire format, one JSON object per line.
type Message struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

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
	addr string

	mu      sync.RWMutex
	clients map[string]*client

	ln       net.Listener
	stopping atomic.Bool
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

func NewServer(host string, port int) *Server {
	return &Server{
		addr:    fmt.Sprintf("%s:%d", host, port),
		clients: make(map[string]*client),
		logger:  log.With().Str("module", "chat").Logger(),
	}
}

func (s *Server) Name() string { return "chat" }

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("chat listen: %w", err)
	}
	s.ln = ln
	s.stopping.Store(false)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", s.addr).Msg("chat relay started")
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

	s.wg.Wait()
	s.logger.Info().Msg("chat relay stopped")
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
		s.logger.Warn().Err(err).Msg("rejecting chat client")
		_ = conn.Close()
		return
	}

	c := &client{id: uuid.NewString(), name: name, conn: conn}
	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Info().Str("username", name).Int("clients", count).Msg("client joined")
	s.broadcastSystem(fmt.Sprintf("%s joined the chat", name))

	defer s.dropClient(c)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Malformed payload: drop the message, keep the connection.
			s.logger.Warn().Str("username", name).Err(err).Msg("dropping undecodable message")
			continue
		}
		msg.Timestamp = time.Now().Format("15:04:05")

		s.broadcast(msg, c.id)
	}
}

// dropClient removes the connection and announces the departure.
func (s *Server) dropClient(c *client) {
	_ = c.conn.Close()

	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()

	if present && !s.stopping.Load() {
		s.logger.Info().Str("username", c.name).Msg("client left")
		s.broadcastSystem(fmt.Sprintf("%s left the chat", c.name))
	}
}

func (s *Server) broadcastSystem(text string) {
	s.broadcast(Message{
		Type:      "system",
		Username:  "System",
		Message:   text,
		Timestamp: time.Now().Format("15:04:05"),
	}, "")
}

// broadcast fans a message out to every client except excludeID.
// Sends happen outside the registry lock; failed peers are pruned after.
func (s *Server) broadcast(msg Message, excludeID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("broadcast marshal")
		return
	}
	data = append(data, '\n')

	s.mu.RLock()
	snapshot := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if id == excludeID {
			continue
		}
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	var failed []*client
	for _, c := range snapshot {
		if err := c.send(data); err != nil {
			s.logger.Warn().Str("username", c.name).Err(err).Msg("send failed, pruning client")
			failed = append(failed, c)
		}
	}

	if len(failed) == 0 {
		return
	}
	s.mu.Lock()
	for _, c := range failed {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	for _, c := range failed {
		_ = c.conn.Close()
	}
}
