package audio

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var registerPrefix = []byte("REGISTER|")

type peer struct {
	addr     *net.UDPAddr
	username string
	lastSeen time.Time
	latest   []byte
}

// Server keeps one latest PCM chunk per sender and, on every receive,
// sends each other listener a mix of everyone else's contribution.
type Server struct {
	host string
	port int

	clientTimeout time.Duration
	sweepInterval time.Duration
	maxDatagram   int

	mu    sync.Mutex
	peers map[string]*peer

	conn     *net.UDPConn
	stopping atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

func NewServer(host string, port int, clientTimeout, sweepInterval time.Duration, maxDatagram int) *Server {
	return &Server{
		host:          host,
		port:          port,
		clientTimeout: clientTimeout,
		sweepInterval: sweepInterval,
		maxDatagram:   maxDatagram,
		peers:         make(map[string]*peer),
		logger:        log.With().Str("module", "audio").Logger(),
	}
}

func (s *Server) Name() string { return "audio" }

func (s *Server) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return fmt.Errorf("audio resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("audio bind: %w", err)
	}
	s.conn = conn
	s.stopping.Store(false)
	s.done = make(chan struct{})

	s.wg.Add(2)
	go s.receiveLoop()
	go s.sweepLoop()

	s.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("audio mixer started")
	return nil
}

func (s *Server) Stop() {
	s.stopping.Store(true)
	close(s.done)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.peers = make(map[string]*peer)
	s.mu.Unlock()
	s.logger.Info().Msg("audio mixer stopped")
}

func (s *Server) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, s.maxDatagram)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !s.stopping.Load() {
				s.logger.Error().Err(err).Msg("receive error")
			}
			return
		}
		if n == 0 {
			continue
		}
		data := buf[:n]

		if bytes.HasPrefix(data, registerPrefix) {
			s.register(addr, string(data[len(registerPrefix):]))
			continue
		}
		s.mix(addr, data)
	}
}

func (s *Server) register(addr *net.UDPAddr, username string) {
	key := addr.String()

	s.mu.Lock()
	existing, known := s.peers[key]
	if known {
		existing.username = username
		existing.lastSeen = time.Now()
	} else {
		s.peers[key] = &peer{addr: addr, username: username, lastSeen: time.Now()}
	}
	s.mu.Unlock()

	if !known {
		s.logger.Info().Str("username", username).Str("addr", key).Msg("registered audio client")
	}
}

// mix stores the sender's chunk and fans a personalized downmix out to
// every other listener, excluding each listener's own contribution.
func (s *Server) mix(from *net.UDPAddr, data []byte) {
	key := from.String()

	s.mu.Lock()
	sender, known := s.peers[key]
	if !known {
		s.mu.Unlock()
		return
	}
	sender.lastSeen = time.Now()
	sender.latest = append(sender.latest[:0], data...)

	type delivery struct {
		p   *peer
		mix []byte
	}
	deliveries := make([]delivery, 0, len(s.peers))
	for listenerKey, listener := range s.peers {
		if listenerKey == key {
			continue
		}
		contributions := make([][]byte, 0, len(s.peers))
		for contribKey, contrib := range s.peers {
			if contribKey == listenerKey || len(contrib.latest) == 0 {
				continue
			}
			contributions = append(contributions, contrib.latest)
		}
		if mixed := Downmix(contributions); mixed != nil {
			deliveries = append(deliveries, delivery{p: listener, mix: mixed})
		}
	}
	s.mu.Unlock()

	var failed []*peer
	for _, d := range deliveries {
		if _, err := s.conn.WriteToUDP(d.mix, d.p.addr); err != nil {
			s.logger.Warn().Str("username", d.p.username).Err(err).Msg("send failed, pruning listener")
			failed = append(failed, d.p)
		}
	}

	if len(failed) == 0 {
		return
	}
	s.mu.Lock()
	for _, p := range failed {
		delete(s.peers, p.addr.String())
	}
	s.mu.Unlock()
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.evictStale(now)
		}
	}
}

func (s *Server) evictStale(now time.Time) {
	s.mu.Lock()
	var stale []*peer
	for key, p := range s.peers {
		if now.Sub(p.lastSeen) > s.clientTimeout {
			delete(s.peers, key)
			stale = append(stale, p)
		}
	}
	s.mu.Unlock()

	for _, p := range stale {
		s.logger.Info().Str("username", p.username).Str("addr", p.addr.String()).Msg("removed stale audio client")
	}
}

func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
