package video

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

type peer struct {
	addr     *net.UDPAddr
	username string
	lastSeen time.Time
}

// Server forwards every data packet from a registered sender to all
// other registered endpoints, verbatim. It never reassembles frames;
// liveness bookkeeping is its only per-packet state.
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
		logger:        log.With().Str("module", "video").Logger(),
	}
}

func (s *Server) Name() string { return "video" }

func (s *Server) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return fmt.Errorf("video resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("video bind: %w", err)
	}
	s.conn = conn
	s.stopping.Store(false)
	s.done = make(chan struct{})

	s.wg.Add(2)
	go s.receiveLoop()
	go s.sweepLoop()

	s.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("video relay started")
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
	s.logger.Info().Msg("video relay stopped")
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
			s.register(addr, string(data[len(registerPrefix):]), data)
			continue
		}
		s.relay(addr, data)
	}
}

func (s *Server) register(addr *net.UDPAddr, username string, pkt []byte) {
	key := addr.String()

	s.mu.Lock()
	existing, known := s.peers[key]
	s.peers[key] = &peer{addr: addr, username: username, lastSeen: time.Now()}
	s.mu.Unlock()

	if !known || existing.username != username {
		s.logger.Info().Str("username", username).Str("addr", key).Msg("registered video client")
		return
	}
	// Same client re-registering: echo the packet back as an ack.
	_, _ = s.conn.WriteToUDP(pkt, addr)
}

// relay forwards a data packet to every registered peer but the sender.
func (s *Server) relay(from *net.UDPAddr, data []byte) {
	key := from.String()

	s.mu.Lock()
	sender, known := s.peers[key]
	if !known {
		s.mu.Unlock()
		return
	}
	sender.lastSeen = time.Now()
	targets := make([]*peer, 0, len(s.peers))
	for peerKey, p := range s.peers {
		if peerKey == key {
			continue
		}
		targets = append(targets, p)
	}
	s.mu.Unlock()

	var failed []*peer
	for _, p := range targets {
		if _, err := s.conn.WriteToUDP(data, p.addr); err != nil {
			s.logger.Warn().Str("username", p.username).Err(err).Msg("forward failed, pruning")
			failed = append(failed, p)
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
		s.logger.Info().Str("username", p.username).Str("addr", p.addr.String()).Msg("removed stale video client")
	}
}

// PeerCount reports how many endpoints are currently registered.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
