// Package video relays camera-frame fragments over UDP. The relay
// forwards fragments verbatim; reassembly happens at the receiving
// endpoint (see Assembler).
package video

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	// MaxChunkPayload caps the payload carried by one datagram.
	MaxChunkPayload = 8192

	// FrameIDModulo wraps the sender-local frame counter.
	FrameIDModulo = 1_000_000
)

var (
	registerPrefix = []byte("REGISTER|")
	framePrefix    = []byte("FRAME|")

	errNotFragment = errors.New("not a frame fragment")
	errBadHeader   = errors.New("malformed fragment header")
)

// Fragment is one decoded FRAME datagram:
// FRAME|<username>|<frame_id>|<chunk_index>|<total_chunks>|<payload>
type Fragment struct {
	Sender      string
	FrameID     int
	ChunkIndex  int
	TotalChunks int
	Payload     []byte
}

func ParseFragment(pkt []byte) (Fragment, error) {
	if !bytes.HasPrefix(pkt, framePrefix) {
		return Fragment{}, errNotFragment
	}
	parts := bytes.SplitN(pkt, []byte{'|'}, 6)
	if len(parts) != 6 {
		return Fragment{}, errBadHeader
	}

	frameID, err := strconv.Atoi(string(parts[2]))
	if err != nil {
		return Fragment{}, errBadHeader
	}
	chunkIndex, err := strconv.Atoi(string(parts[3]))
	if err != nil {
		return Fragment{}, errBadHeader
	}
	totalChunks, err := strconv.Atoi(string(parts[4]))
	if err != nil {
		return Fragment{}, errBadHeader
	}
	if totalChunks <= 0 || chunkIndex < 0 || chunkIndex >= totalChunks {
		return Fragment{}, errBadHeader
	}

	return Fragment{
		Sender:      string(parts[1]),
		FrameID:     frameID,
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		Payload:     parts[5],
	}, nil
}

// SplitFrame breaks an encoded frame into ordered datagrams. This is the
// sender half of the wire contract the Assembler consumes.
func SplitFrame(sender string, frameID int, data []byte) [][]byte {
	totalChunks := (len(data) + MaxChunkPayload - 1) / MaxChunkPayload
	if totalChunks == 0 {
		totalChunks = 1
	}

	packets := make([][]byte, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		start := i * MaxChunkPayload
		end := min(start+MaxChunkPayload, len(data))

		header := fmt.Sprintf("FRAME|%s|%d|%d|%d|", sender, frameID%FrameIDModulo, i, totalChunks)
		pkt := make([]byte, 0, len(header)+end-start)
		pkt = append(pkt, header...)
		pkt = append(pkt, data[start:end]...)
		packets = append(packets, pkt)
	}
	return packets
}

// RegisterPacket builds the announcement datagram a client sends in a
// burst when it connects.
func RegisterPacket(username string) []byte {
	return append(append([]byte{}, registerPrefix...), username...)
}
