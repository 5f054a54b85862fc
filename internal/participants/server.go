// Package participants tracks who is present and pushes the full roster
// to every connection on any change.
package participants

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

type inbound struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Active bool   `json:"active,omitempty"`
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
	addr        string
	readTimeout time.Duration

	mu           sync.Mutex
	clients      map[string]*client
	participants map[string]domain.Participant

	ln       net.Listener
	stopping atomic.Bool
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

func NewServer(host string, port int, readTimeout time.Duration) *Server {
	return &Server{
		addr:         fmt.Sprintf("%s:%d", host, port),
		readTimeout:  readTimeout,
		clients:      make(map[string]*client),
		participants: make(map[string]domain.Participant),
		logger:       log.With().Str("module", "participants").Logger(),
	}
}

func (s *Server) Name() string { return "participants" }

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("participants listen: %w", err)
	}
	s.ln = ln
	s.stopping.Store(false)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", s.addr).Msg("participant registry started")
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
	s.participants = make(map[string]domain.Participant)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("participant registry stopped")
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
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	name, err := reader.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return
	}
	name = strings.TrimSpace(name)
	if err := domain.ValidUsername(name); err != nil {
		s.logger.Warn().Err(err).Msg("rejecting participant")
		_ = conn.Close()
		return
	}

	c := &client{id: uuid.NewString(), name: name, conn: conn}

	// Duplicate names: last writer wins. The newer connection overwrites
	// the shared record with a fresh joined_at.
	s.mu.Lock()
	s.clients[c.id] = c
	s.participants[name] = domain.Participant{
		Status:      domain.StatusOnline,
		JoinedAt:    time.Now().Format("15:04:05"),
		VideoActive: false,
	}
	s.mu.Unlock()

	s.logger.Info().Str("username", name).Msg("participant joined")

	// New connection gets the roster first, then everyone gets the update.
	if err := c.send(s.rosterPayload()); err != nil {
		s.removeParticipant(c)
		return
	}
	s.broadcastRoster()

	defer s.removeParticipant(c)

	for {
		// Silence beyond the read timeout means the peer is gone; the
		// client keeps the deadline fresh with periodic keepalives.
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "status_update":
			status := msg.Status
			if status == "" {
				status = domain.StatusOnline
			}
			s.mutateRecord(name, func(p *domain.Participant) { p.Status = status })
			s.broadcastRoster()
		case "video_status":
			s.mutateRecord(name, func(p *domain.Participant) { p.VideoActive = msg.Active })
			s.logger.Debug().Str("username", name).Bool("active", msg.Active).Msg("video status")
			s.broadcastRoster()
		case "keepalive":
			ack, _ := json.Marshal(map[string]string{"type": "keepalive_ack"})
			if err := c.send(append(ack, '\n')); err != nil {
				return
			}
		}
	}
}

func (s *Server) mutateRecord(name string, fn func(*domain.Participant)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[name]
	if !ok {
		return
	}
	fn(&p)
	s.participants[name] = p
}

func (s *Server) removeParticipant(c *client) {
	_ = c.conn.Close()

	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	delete(s.participants, c.name)
	s.mu.Unlock()

	if present && !s.stopping.Load() {
		s.logger.Info().Str("username", c.name).Msg("participant removed")
		s.broadcastRoster()
	}
}

func (s *Server) rosterPayload() []byte {
	s.mu.Lock()
	roster := make(map[string]domain.Participant, len(s.participants))
	for name, p := range s.participants {
		roster[name] = p
	}
	s.mu.Unlock()

	data, _ := json.Marshal(map[string]any{
		"type":         "participant_list",
		"participants": roster,
	})
	return append(data, '\n')
}

// broadcastRoster sends the full roster to every connection. A failed
// send prunes both the connection and its participant record.
func (s *Server) broadcastRoster() {
	data := s.rosterPayload()

	s.mu.Lock()
	snapshot := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	var failed []*client
	for _, c := range snapshot {
		if err := c.send(data); err != nil {
			s.logger.Warn().Str("username", c.name).Err(err).Msg("roster send failed, pruning")
			failed = append(failed, c)
		}
	}

	if len(failed) == 0 {
		return
	}
	s.mu.Lock()
	for _, c := range failed {
		delete(s.clients, c.id)
		delete(s.participants, c.name)
	}
	s.mu.Unlock()
	for _, c := range failed {
		_ = c.conn.Close()
	}
}
