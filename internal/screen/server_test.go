package screen

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"
)

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer("127.0.0.1", 0, 1<<20)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, s.ln.Addr().String()
}

func connect(t *testing.T, addr, name string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := fmt.Fprintf(conn, "%s\n", name); err != nil {
		t.Fatalf("send name: %v", err)
	}
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) sendMsg(t *testing.T, msg Message) {
	t.Helper()
	data, err := encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testClient) readMsg(t *testing.T) Message {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := readMessage(c.r, 1<<20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func (c *testClient) expectNothing(t *testing.T) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := readMessage(c.r, 1<<20); err == nil {
		t.Fatal("unexpected message")
	}
}

func TestExclusivePresenterArbitration(t *testing.T) {
	_, addr := startServer(t)

	a := connect(t, addr, "A")
	b := connect(t, addr, "B")

	a.sendMsg(t, Message{Type: "start_presenting"})
	if msg := a.readMsg(t); msg.Type != "presenter_started" || msg.Username != "A" {
		t.Fatalf("got %+v, want presenter_started A", msg)
	}
	if msg := a.readMsg(t); msg.Type != "presenting_allowed" || !msg.Allowed {
		t.Fatalf("got %+v, want presenting_allowed true", msg)
	}
	if msg := b.readMsg(t); msg.Type != "presenter_started" || msg.Username != "A" {
		t.Fatalf("got %+v, want presenter_started A", msg)
	}

	// B is denied while A holds the slot; only B hears about it.
	b.sendMsg(t, Message{Type: "start_presenting"})
	msg := b.readMsg(t)
	if msg.Type != "presenting_allowed" || msg.Allowed || msg.CurrentPresenter != "A" {
		t.Fatalf("got %+v, want denial naming A", msg)
	}
	a.expectNothing(t)

	// After A stops, B gets the slot.
	a.sendMsg(t, Message{Type: "stop_presenting"})
	if msg := a.readMsg(t); msg.Type != "presenter_stopped" || msg.Username != "A" {
		t.Fatalf("got %+v, want presenter_stopped A", msg)
	}
	if msg := b.readMsg(t); msg.Type != "presenter_stopped" || msg.Username != "A" {
		t.Fatalf("got %+v, want presenter_stopped A", msg)
	}

	b.sendMsg(t, Message{Type: "start_presenting"})
	if msg := b.readMsg(t); msg.Type != "presenter_started" || msg.Username != "B" {
		t.Fatalf("got %+v, want presenter_started B", msg)
	}
	if msg := b.readMsg(t); msg.Type != "presenting_allowed" || !msg.Allowed {
		t.Fatalf("got %+v, want presenting_allowed true", msg)
	}
	if msg := a.readMsg(t); msg.Type != "presenter_started" || msg.Username != "B" {
		t.Fatalf("got %+v, want presenter_started B", msg)
	}
}

func TestFrameRelayOnlyFromPresenter(t *testing.T) {
	_, addr := startServer(t)

	a := connect(t, addr, "A")
	b := connect(t, addr, "B")

	a.sendMsg(t, Message{Type: "start_presenting"})
	a.readMsg(t) // presenter_started
	a.readMsg(t) // presenting_allowed
	b.readMsg(t) // presenter_started

	frame := []byte{0xff, 0xd8, 0x01, 0x02, 0x03}
	a.sendMsg(t, Message{Type: "screen_frame", Frame: frame})

	msg := b.readMsg(t)
	if msg.Type != "screen_frame" || msg.Username != "A" {
		t.Fatalf("got %+v, want relayed frame from A", msg)
	}
	if !bytes.Equal(msg.Frame, frame) {
		t.Fatalf("frame bytes = %v, want %v", msg.Frame, frame)
	}

	// Frames from a non-presenter are silently dropped.
	b.sendMsg(t, Message{Type: "screen_frame", Frame: frame})
	a.expectNothing(t)
}

func TestLateJoinerGetsBanner(t *testing.T) {
	_, addr := startServer(t)

	a := connect(t, addr, "A")
	a.sendMsg(t, Message{Type: "start_presenting"})
	a.readMsg(t)
	a.readMsg(t)

	c := connect(t, addr, "C")
	if msg := c.readMsg(t); msg.Type != "presenter_started" || msg.Username != "A" {
		t.Fatalf("got %+v, want immediate presenter_started A", msg)
	}
}

func TestPresenterDisconnectStopsPresentation(t *testing.T) {
	_, addr := startServer(t)

	a := connect(t, addr, "A")
	b := connect(t, addr, "B")

	a.sendMsg(t, Message{Type: "start_presenting"})
	a.readMsg(t)
	a.readMsg(t)
	b.readMsg(t)

	a.conn.Close()

	if msg := b.readMsg(t); msg.Type != "presenter_stopped" || msg.Username != "A" {
		t.Fatalf("got %+v, want presenter_stopped A", msg)
	}
}

func TestStopFromNonPresenterIsNoOp(t *testing.T) {
	_, addr := startServer(t)

	a := connect(t, addr, "A")
	b := connect(t, addr, "B")

	a.sendMsg(t, Message{Type: "start_presenting"})
	a.readMsg(t)
	a.readMsg(t)
	b.readMsg(t)

	b.sendMsg(t, Message{Type: "stop_presenting"})
	b.expectNothing(t)
	a.expectNothing(t)
}
