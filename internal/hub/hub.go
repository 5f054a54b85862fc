package hub

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// StatusFunc mirrors service state changes to an external observer
// (the operator console). It must not block.
type StatusFunc func(name string, state State)

// Hub starts the relay services in a fixed order and guarantees
// all-or-nothing startup: if any service fails to bind, the already
// started subset is stopped again in reverse order.
type Hub struct {
	services []Service

	mu       sync.Mutex
	states   map[string]State
	active   []Service
	running  bool
	onStatus StatusFunc
}

func New(services ...Service) *Hub {
	states := make(map[string]State, len(services))
	for _, s := range services {
		states[s.Name()] = StateStopped
	}
	return &Hub{services: services, states: states}
}

// SetStatusFunc registers the status observer. Call before StartAll.
func (h *Hub) SetStatusFunc(fn StatusFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStatus = fn
}

func (h *Hub) setState(name string, st State) {
	h.states[name] = st
	if h.onStatus != nil {
		h.onStatus(name, st)
	}
}

// States returns a snapshot of every service state.
func (h *Hub) States() map[string]State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]State, len(h.states))
	for name, st := range h.states {
		out[name] = st
	}
	return out
}

func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// StartAll starts every service in registration order.
func (h *Hub) StartAll() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return nil
	}

	logger := log.With().Str("module", "hub").Logger()

	for i, svc := range h.services {
		h.setState(svc.Name(), StateStarting)
		logger.Info().Int("index", i+1).Int("total", len(h.services)).Str("service", svc.Name()).Msg("starting service")

		if err := svc.Start(); err != nil {
			h.setState(svc.Name(), StateError)
			logger.Error().Err(err).Str("service", svc.Name()).Msg("startup failed, rolling back")
			h.stopLocked()
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}

		h.setState(svc.Name(), StateRunning)
		h.active = append(h.active, svc)
	}

	h.running = true
	logger.Info().Int("services", len(h.active)).Msg("all services up and listening")
	return nil
}

// StopAll stops the active services in reverse start order.
func (h *Hub) StopAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running && len(h.active) == 0 {
		return
	}
	h.stopLocked()
	log.Info().Str("module", "hub").Msg("shutdown complete")
}

func (h *Hub) stopLocked() {
	for i := len(h.active) - 1; i >= 0; i-- {
		svc := h.active[i]
		h.setState(svc.Name(), StateStopping)
		svc.Stop()
		h.setState(svc.Name(), StateStopped)
	}
	h.active = nil
	h.running = false
}
