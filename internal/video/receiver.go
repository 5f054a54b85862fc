package video

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	registerBurst    = 3
	registerInterval = 50 * time.Millisecond
)

// FrameFunc receives each fully reassembled frame.
type FrameFunc func(sender string, frame []byte)

// Receiver is the endpoint half of the relay contract: it announces
// itself with a registration burst, reassembles incoming fragments and
// hands complete frames to the callback. Frames with a missing chunk
// never reach the callback; their buffers are purged by a sweep.
type Receiver struct {
	username    string
	maxDatagram int
	onFrame     FrameFunc

	asm  *Assembler
	conn *net.UDPConn

	stopping atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

func NewReceiver(username string, frameExpiry time.Duration, maxDatagram int, onFrame FrameFunc) *Receiver {
	return &Receiver{
		username:    username,
		maxDatagram: maxDatagram,
		onFrame:     onFrame,
		asm:         NewAssembler(frameExpiry),
		logger:      log.With().Str("module", "video").Str("role", "receiver").Logger(),
	}
}

// Start dials the relay, sends the registration burst and begins
// reading. The burst tolerates LAN packet loss; the relay treats
// duplicates as refreshes.
func (r *Receiver) Start(relayAddr string) error {
	addr, err := net.ResolveUDPAddr("udp", relayAddr)
	if err != nil {
		return fmt.Errorf("video receiver resolve: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("video receiver dial: %w", err)
	}
	r.conn = conn
	r.stopping.Store(false)
	r.done = make(chan struct{})

	pkt := RegisterPacket(r.username)
	for i := 0; i < registerBurst; i++ {
		if _, err := conn.Write(pkt); err != nil {
			_ = conn.Close()
			return fmt.Errorf("video receiver register: %w", err)
		}
		if i < registerBurst-1 {
			time.Sleep(registerInterval)
		}
	}

	r.wg.Add(2)
	go r.readLoop()
	go r.sweepLoop()

	r.logger.Info().Str("relay", relayAddr).Msg("video receiver registered")
	return nil
}

func (r *Receiver) Stop() {
	r.stopping.Store(true)
	close(r.done)
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.wg.Wait()
}

// Send splits an encoded frame and writes its fragments to the relay.
func (r *Receiver) Send(frameID int, frame []byte) error {
	for _, pkt := range SplitFrame(r.username, frameID, frame) {
		if _, err := r.conn.Write(pkt); err != nil {
			return fmt.Errorf("video send: %w", err)
		}
	}
	return nil
}

func (r *Receiver) readLoop() {
	defer r.wg.Done()

	buf := make([]byte, r.maxDatagram)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			if !r.stopping.Load() {
				r.logger.Error().Err(err).Msg("read error")
			}
			return
		}

		frag, err := ParseFragment(buf[:n])
		if err != nil {
			// Registration acks and garbage land here.
			continue
		}
		// The fragment aliases buf; detach before buffering.
		frag.Payload = append([]byte(nil), frag.Payload...)

		if frame, complete := r.asm.Add(frag); complete {
			r.onFrame(frag.Sender, frame)
		}
	}
}

func (r *Receiver) sweepLoop() {
	defer r.wg.Done()

	// Tick well inside the expiry window so a buffer created right
	// after one tick is still purged within ~1.1x the window.
	interval := r.asm.expiry / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			if purged := r.asm.Sweep(now); purged > 0 {
				r.logger.Debug().Int("frames", purged).Msg("purged incomplete frames")
			}
		}
	}
}
