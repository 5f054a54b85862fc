// Package console exposes the operator surface: service status, LAN
// address info, and a live event stream the control UI subscribes to.
package console

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Event is one item on the operator stream: either a service state
// change or a log line.
type Event struct {
	Kind    string `json:"kind"`
	Service string `json:"service,omitempty"`
	State   string `json:"state,omitempty"`
	Line    string `json:"line,omitempty"`
}

const subscriberBuffer = 64

// subscriber pairs a channel with the lock that serializes sends
// against the close in Unsubscribe. Publishing holds only this lock
// while sending, so a disconnecting console can never race a publisher
// into a send on a closed channel.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) trySend(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Feed fans events out to every subscribed console. A subscriber that
// cannot keep up is dropped rather than allowed to stall the publisher.
type Feed struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[string]*subscriber)}
}

func (f *Feed) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	f.mu.Lock()
	f.subs[id] = sub
	f.mu.Unlock()
	return id, sub.ch
}

func (f *Feed) Unsubscribe(id string) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	delete(f.subs, id)
	f.mu.Unlock()
	if ok {
		sub.shutdown()
	}
}

func (f *Feed) PublishStatus(service, state string) {
	f.publish(Event{Kind: "status", Service: service, State: state})
}

func (f *Feed) publish(ev Event) {
	f.mu.RLock()
	snapshot := make(map[string]*subscriber, len(f.subs))
	for id, sub := range f.subs {
		snapshot[id] = sub
	}
	f.mu.RUnlock()

	var slow []string
	for id, sub := range snapshot {
		if !sub.trySend(ev) {
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		f.Unsubscribe(id)
	}
}

// Write lets the Feed sit inside a zerolog.MultiLevelWriter so every
// log line reaches subscribed consoles as well as stderr.
func (f *Feed) Write(p []byte) (int, error) {
	f.publish(Event{Kind: "log", Line: strings.TrimRight(string(p), "\n")})
	return len(p), nil
}
