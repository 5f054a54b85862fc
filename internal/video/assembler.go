package video

import (
	"sync"
	"time"
)

type frameKey struct {
	sender  string
	frameID int
}

type frameMeta struct {
	total   int
	created time.Time
}

// Assembler buffers fragments keyed by (sender, frame_id) and emits the
// concatenated frame once every chunk index is present. Incomplete
// buffers are purged after the expiry window so memory stays bounded.
type Assembler struct {
	expiry time.Duration

	mu     sync.Mutex
	chunks map[frameKey]map[int][]byte
	meta   map[frameKey]frameMeta
}

func NewAssembler(expiry time.Duration) *Assembler {
	return &Assembler{
		expiry: expiry,
		chunks: make(map[frameKey]map[int][]byte),
		meta:   make(map[frameKey]frameMeta),
	}
}

// Add stores one fragment. When the fragment completes its frame, Add
// returns the frame bytes in chunk-index order and true.
func (a *Assembler) Add(f Fragment) ([]byte, bool) {
	key := frameKey{sender: f.Sender, frameID: f.FrameID}

	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.chunks[key]
	if !ok {
		buf = make(map[int][]byte, f.TotalChunks)
		a.chunks[key] = buf
		a.meta[key] = frameMeta{total: f.TotalChunks, created: time.Now()}
	}
	// The first fragment fixes the chunk count for the frame; a
	// fragment disagreeing with it is corrupt or forged, not buffered.
	total := a.meta[key].total
	if f.TotalChunks != total {
		return nil, false
	}
	buf[f.ChunkIndex] = f.Payload

	if len(buf) < total {
		return nil, false
	}

	size := 0
	for i := 0; i < total; i++ {
		chunk, ok := buf[i]
		if !ok {
			return nil, false
		}
		size += len(chunk)
	}

	frame := make([]byte, 0, size)
	for i := 0; i < total; i++ {
		frame = append(frame, buf[i]...)
	}

	delete(a.chunks, key)
	delete(a.meta, key)
	return frame, true
}

// Sweep drops incomplete buffers older than the expiry window, measured
// against now. Returns the number of frames discarded.
func (a *Assembler) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.purgeLocked(now)
}

func (a *Assembler) purgeLocked(now time.Time) int {
	purged := 0
	for key, m := range a.meta {
		if now.Sub(m.created) > a.expiry {
			delete(a.chunks, key)
			delete(a.meta, key)
			purged++
		}
	}
	return purged
}

// Pending reports how many frames are still incomplete. Buffers past
// the expiry window are purged first, so an incomplete frame is never
// observable after its window closes, whatever the sweep cadence.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.purgeLocked(time.Now())
	return len(a.chunks)
}
