// Package screen arbitrates a single exclusive presenter and relays its
// captured frames to every other connected viewer.
package screen

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Wire framing: an 8-byte unsigned big-endian length prefix followed by
// one JSON object. The fixed width is deliberate so endpoints on
// different platforms agree on the header size.
const headerSize = 8

var errOversizedMessage = errors.New("screen message exceeds size limit")

// Message is the decoded tagged-union payload. The frame blob travels
// base64-encoded inside the JSON body.
type Message struct {
	Type             string `json:"type"`
	Username         string `json:"username,omitempty"`
	Allowed          bool   `json:"allowed,omitempty"`
	CurrentPresenter string `json:"current_presenter,omitempty"`
	Frame            []byte `json:"frame,omitempty"`
}

func encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint64(out[:headerSize], uint64(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

// readMessage reads one length-prefixed message, rejecting bodies larger
// than maxSize so a bad peer cannot force an unbounded allocation.
func readMessage(r io.Reader, maxSize int64) (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	size := binary.BigEndian.Uint64(header[:])
	if size > uint64(maxSize) {
		return Message{}, fmt.Errorf("%w: %d bytes", errOversizedMessage, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
