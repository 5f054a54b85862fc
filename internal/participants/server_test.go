package participants

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"
)

type testConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer("127.0.0.1", 0, 30*time.Second)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, s.ln.Addr().String()
}

func join(t *testing.T, addr, name string) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := fmt.Fprintf(conn, "%s\n", name); err != nil {
		t.Fatalf("send name: %v", err)
	}
	return &testConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) readMessage(t *testing.T) map[string]any {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return msg
}

func (c *testConn) readRoster(t *testing.T) map[string]any {
	t.Helper()
	msg := c.readMessage(t)
	if msg["type"] != "participant_list" {
		t.Fatalf("want participant_list, got %v", msg)
	}
	roster, ok := msg["participants"].(map[string]any)
	if !ok {
		t.Fatalf("no participants map: %v", msg)
	}
	return roster
}

func entry(t *testing.T, roster map[string]any, name string) map[string]any {
	t.Helper()
	e, ok := roster[name].(map[string]any)
	if !ok {
		t.Fatalf("%s missing from roster %v", name, roster)
	}
	return e
}

func TestJoinBroadcastsRoster(t *testing.T) {
	_, addr := startServer(t)

	dave := join(t, addr, "dave")
	// Initial roster to the new connection, then the broadcast.
	first := dave.readRoster(t)
	e := entry(t, first, "dave")
	if e["status"] != "online" {
		t.Fatalf("status = %v, want online", e["status"])
	}
	if e["video_active"] != false {
		t.Fatalf("video_active = %v, want false", e["video_active"])
	}
	second := dave.readRoster(t)
	entry(t, second, "dave")
}

func TestStatusAndVideoUpdates(t *testing.T) {
	_, addr := startServer(t)

	dave := join(t, addr, "dave")
	dave.readRoster(t)
	dave.readRoster(t)

	msg, _ := json.Marshal(map[string]string{"type": "status_update", "status": "away"})
	if _, err := dave.conn.Write(append(msg, '\n')); err != nil {
		t.Fatal(err)
	}
	roster := dave.readRoster(t)
	if entry(t, roster, "dave")["status"] != "away" {
		t.Fatalf("status not updated: %v", roster)
	}

	msg, _ = json.Marshal(map[string]any{"type": "video_status", "active": true})
	if _, err := dave.conn.Write(append(msg, '\n')); err != nil {
		t.Fatal(err)
	}
	roster = dave.readRoster(t)
	if entry(t, roster, "dave")["video_active"] != true {
		t.Fatalf("video flag not updated: %v", roster)
	}
}

func TestKeepaliveAck(t *testing.T) {
	_, addr := startServer(t)

	dave := join(t, addr, "dave")
	dave.readRoster(t)
	dave.readRoster(t)

	msg, _ := json.Marshal(map[string]string{"type": "keepalive"})
	if _, err := dave.conn.Write(append(msg, '\n')); err != nil {
		t.Fatal(err)
	}
	ack := dave.readMessage(t)
	if ack["type"] != "keepalive_ack" {
		t.Fatalf("want keepalive_ack, got %v", ack)
	}
}

func TestDisconnectRemovesRecord(t *testing.T) {
	_, addr := startServer(t)

	dave := join(t, addr, "dave")
	dave.readRoster(t)
	dave.readRoster(t)

	eve := join(t, addr, "eve")
	eve.readRoster(t)
	eve.readRoster(t)
	dave.readRoster(t) // broadcast triggered by eve's join

	dave.conn.Close()

	roster := eve.readRoster(t)
	if _, ok := roster["dave"]; ok {
		t.Fatalf("dave should be gone from roster %v", roster)
	}
	entry(t, roster, "eve")
}

func TestDuplicateNameLastWriterWins(t *testing.T) {
	_, addr := startServer(t)

	first := join(t, addr, "mallory")
	first.readRoster(t)
	first.readRoster(t)

	second := join(t, addr, "mallory")
	second.readRoster(t)

	// One shared record keyed by username.
	roster := second.readRoster(t)
	if len(roster) != 1 {
		t.Fatalf("want a single record, got %v", roster)
	}
	entry(t, roster, "mallory")
}
