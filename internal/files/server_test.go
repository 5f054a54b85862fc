package files

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

func startServer(t *testing.T, maxFileSize int64) (*Server, string, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewServer("127.0.0.1", 0, dir, maxFileSize, 8192)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, s.ln.Addr().String(), dir
}

func dialFiles(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func sendRequest(t *testing.T, conn net.Conn, req request) {
	t.Helper()
	data, _ := json.Marshal(req)
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("send request: %v", err)
	}
}

func readStatus(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return resp
}

func readFrame(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	body := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read frame body: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal frame %q: %v", body, err)
	}
	return resp
}

func listFiles(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	files, ok := resp["files"].(map[string]any)
	if !ok {
		t.Fatalf("response has no files map: %v", resp)
	}
	return files
}

func TestUploadThenList(t *testing.T) {
	_, addr, dir := startServer(t, 1<<20)
	conn, r := dialFiles(t, addr)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	sendRequest(t, conn, request{Command: "UPLOAD", Filename: "fox.txt", Filesize: int64(len(payload)), Username: "alice"})

	if resp := readStatus(t, r); resp["status"] != "ready" {
		t.Fatalf("want ready, got %v", resp)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("send payload: %v", err)
	}
	if resp := readStatus(t, r); resp["status"] != "success" {
		t.Fatalf("want success, got %v", resp)
	}

	// The uploading connection receives the catalog push as well.
	push := readFrame(t, r)
	if push["type"] != "file_list_update" {
		t.Fatalf("want file_list_update, got %v", push)
	}

	sendRequest(t, conn, request{Command: "LIST"})
	files := listFiles(t, readFrame(t, r))
	entry, ok := files["fox.txt"].(map[string]any)
	if !ok {
		t.Fatalf("fox.txt missing from catalog: %v", files)
	}
	if int64(entry["size"].(float64)) != int64(len(payload)) {
		t.Fatalf("size = %v, want %d", entry["size"], len(payload))
	}
	if entry["uploader"] != "alice" {
		t.Fatalf("uploader = %v, want alice", entry["uploader"])
	}

	stored, err := os.ReadFile(filepath.Join(dir, "fox.txt"))
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if string(stored) != string(payload) {
		t.Fatal("stored bytes differ from uploaded bytes")
	}
}

func TestOversizedUploadRejected(t *testing.T) {
	_, addr, _ := startServer(t, 64)
	conn, r := dialFiles(t, addr)

	sendRequest(t, conn, request{Command: "UPLOAD", Filename: "big.bin", Filesize: 1 << 20, Username: "bob"})
	resp := readStatus(t, r)
	if resp["status"] != "error" {
		t.Fatalf("want error, got %v", resp)
	}

	// Connection stays usable and the file never enters the catalog.
	sendRequest(t, conn, request{Command: "LIST"})
	files := listFiles(t, readFrame(t, r))
	if _, ok := files["big.bin"]; ok {
		t.Fatal("rejected upload must not appear in the catalog")
	}
}

func TestStartupScan(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "old.pdf"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewServer("127.0.0.1", 0, dir, 1<<20, 8192)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)

	conn, r := dialFiles(t, s.ln.Addr().String())
	sendRequest(t, conn, request{Command: "LIST"})
	files := listFiles(t, readFrame(t, r))
	entry, ok := files["old.pdf"].(map[string]any)
	if !ok {
		t.Fatalf("old.pdf missing: %v", files)
	}
	if entry["uploader"] != domain.ServerUploader {
		t.Fatalf("uploader = %v, want %q", entry["uploader"], domain.ServerUploader)
	}
	if int64(entry["size"].(float64)) != 5 {
		t.Fatalf("size = %v, want 5", entry["size"])
	}
}

func TestAbortedUploadLeavesNoTrace(t *testing.T) {
	_, addr, dir := startServer(t, 1<<20)
	conn, r := dialFiles(t, addr)

	sendRequest(t, conn, request{Command: "UPLOAD", Filename: "partial.bin", Filesize: 100, Username: "carol"})
	if resp := readStatus(t, r); resp["status"] != "ready" {
		t.Fatalf("want ready, got %v", resp)
	}
	if _, err := conn.Write([]byte("only ten b")); err != nil {
		t.Fatalf("send partial: %v", err)
	}
	// Half-close: the server sees EOF mid-stream but can still reply.
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	if resp := readStatus(t, r); resp["status"] != "error" {
		t.Fatalf("want error after abort, got %v", resp)
	}

	if _, err := os.Stat(filepath.Join(dir, "partial.bin")); !os.IsNotExist(err) {
		t.Fatal("partial file should be removed after abort")
	}

	conn2, r2 := dialFiles(t, addr)
	sendRequest(t, conn2, request{Command: "LIST"})
	files := listFiles(t, readFrame(t, r2))
	if _, ok := files["partial.bin"]; ok {
		t.Fatal("aborted upload must not appear in the catalog")
	}
}

func TestDownload(t *testing.T) {
	_, addr, dir := startServer(t, 1<<20)
	content := []byte("download me")
	if err := os.WriteFile(filepath.Join(dir, "doc.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	conn, r := dialFiles(t, addr)
	sendRequest(t, conn, request{Command: "DOWNLOAD", Filename: "doc.txt"})
	resp := readStatus(t, r)
	if resp["status"] != "ready" {
		t.Fatalf("want ready, got %v", resp)
	}
	size := int64(resp["filesize"].(float64))
	if size != int64(len(content)) {
		t.Fatalf("filesize = %d, want %d", size, len(content))
	}

	if _, err := fmt.Fprint(conn, "READY\n"); err != nil {
		t.Fatalf("send token: %v", err)
	}
	got := make([]byte, size)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("downloaded %q, want %q", got, content)
	}
}
