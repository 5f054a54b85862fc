// Package files implements chunked upload/download over TCP and keeps
// every connected client's view of the shared-file catalog current.
package files

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 10 * time.Second

var errBadFilename = errors.New("invalid filename")

type request struct {
	Command  string `json:"command"`
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Username string `json:"username"`
}

type client struct {
	id   string
	conn net.Conn

	wmu sync.Mutex
}

func (c *client) send(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

type Server struct {
	addr        string
	storagePath string
	maxFileSize int64
	chunkSize   int

	catalog *Catalog

	mu      sync.RWMutex
	clients map[string]*client

	ln       net.Listener
	stopping atomic.Bool
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

func NewServer(host string, port int, storagePath string, maxFileSize int64, chunkSize int) *Server {
	return &Server{
		addr:        fmt.Sprintf("%s:%d", host, port),
		storagePath: storagePath,
		maxFileSize: maxFileSize,
		chunkSize:   chunkSize,
		catalog:     NewCatalog(),
		clients:     make(map[string]*client),
		logger:      log.With().Str("module", "files").Logger(),
	}
}

func (s *Server) Name() string { return "files" }

func (s *Server) Start() error {
	if err := os.MkdirAll(s.storagePath, 0o755); err != nil {
		return fmt.Errorf("files storage: %w", err)
	}
	loaded, err := s.catalog.LoadDir(s.storagePath)
	if err != nil {
		return fmt.Errorf("files scan: %w", err)
	}
	if loaded > 0 {
		s.logger.Info().Int("count", loaded).Msg("loaded existing files from storage")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("files listen: %w", err)
	}
	s.ln = ln
	s.stopping.Store(false)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", s.addr).Str("storage", s.storagePath).Msg("file service started")
	return nil
}

func (s *Server) Stop() {
	s.stopping.Store(true)
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	for _, c := range s.clients {
		_ = c.conn.Close()
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("file service stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.stopping.Load() {
				s.logger.Error().Err(err).Msg("accept error")
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	c := &client{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn().Err(err).Msg("dropping undecodable request")
			continue
		}

		switch req.Command {
		case "LIST":
			s.handleList(c)
		case "UPLOAD":
			s.handleUpload(c, reader, req)
		case "DOWNLOAD":
			s.handleDownload(c, reader, req)
		default:
			s.logger.Warn().Str("command", req.Command).Msg("unknown command")
		}
	}
}

func (s *Server) handleList(c *client) {
	body, err := json.Marshal(map[string]any{
		"status": "success",
		"files":  s.catalog.Snapshot(),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("list marshal")
		return
	}
	if err := c.send(frame(body)); err != nil {
		s.logger.Warn().Err(err).Msg("list send failed")
	}
}

func (s *Server) handleUpload(c *client, reader *bufio.Reader, req request) {
	name, err := safeName(req.Filename)
	if err != nil {
		s.reply(c, "error", "invalid filename")
		return
	}
	if req.Filesize < 0 || req.Filesize > s.maxFileSize {
		s.logger.Warn().Str("filename", name).Int64("size", req.Filesize).Msg("upload rejected, too large")
		s.reply(c, "error", "File too large")
		return
	}

	s.logger.Info().Str("filename", name).Int64("size", req.Filesize).Str("uploader", req.Username).Msg("upload request")
	if err := s.reply(c, "ready", ""); err != nil {
		return
	}

	path := filepath.Join(s.storagePath, name)
	if err := s.receiveFile(path, reader, req.Filesize); err != nil {
		// Aborted transfer: no catalog entry, partial file removed.
		_ = os.Remove(path)
		s.logger.Warn().Str("filename", name).Err(err).Msg("upload aborted")
		s.reply(c, "error", "transfer incomplete")
		return
	}

	s.catalog.Add(name, req.Filesize, req.Username)
	s.logger.Info().Str("filename", name).Int64("size", req.Filesize).Msg("upload complete")
	s.reply(c, "success", "File uploaded successfully")
	s.broadcastCatalog()
}

func (s *Server) receiveFile(path string, reader *bufio.Reader, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, s.chunkSize)
	if _, err := io.CopyBuffer(f, io.LimitReader(reader, size), buf); err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != size {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (s *Server) handleDownload(c *client, reader *bufio.Reader, req request) {
	name, err := safeName(req.Filename)
	if err != nil {
		s.reply(c, "error", "invalid filename")
		return
	}

	path := filepath.Join(s.storagePath, name)
	info, err := os.Stat(path)
	if err != nil {
		s.reply(c, "error", "File not found")
		return
	}

	resp, _ := json.Marshal(map[string]any{"status": "ready", "filesize": info.Size()})
	if err := c.send(append(resp, '\n')); err != nil {
		return
	}

	// The client confirms with a ready token before the byte stream starts.
	token, err := reader.ReadString('\n')
	if err != nil || strings.TrimSpace(token) != "READY" {
		s.logger.Warn().Str("filename", name).Msg("download not confirmed")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.reply(c, "error", "File not found")
		return
	}
	defer f.Close()

	// Hold the write lock for the whole stream so a catalog push cannot
	// interleave with file bytes.
	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Time{})
	buf := make([]byte, s.chunkSize)
	sent, err := io.CopyBuffer(c.conn, f, buf)
	c.wmu.Unlock()

	if err != nil {
		s.logger.Warn().Str("filename", name).Err(err).Msg("download failed")
		return
	}
	s.logger.Info().Str("filename", name).Int64("sent", sent).Msg("download complete")
}

func (s *Server) reply(c *client, status, message string) error {
	resp := map[string]string{"status": status}
	if message != "" {
		resp["message"] = message
	}
	data, _ := json.Marshal(resp)
	return c.send(append(data, '\n'))
}

// broadcastCatalog pushes the full catalog to every open connection.
func (s *Server) broadcastCatalog() {
	body, err := json.Marshal(map[string]any{
		"type":  "file_list_update",
		"files": s.catalog.Snapshot(),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("catalog marshal")
		return
	}
	data := frame(body)

	s.mu.RLock()
	snapshot := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	var failed []*client
	for _, c := range snapshot {
		if err := c.send(data); err != nil {
			failed = append(failed, c)
		}
	}

	if len(failed) == 0 {
		return
	}
	s.mu.Lock()
	for _, c := range failed {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	for _, c := range failed {
		_ = c.conn.Close()
	}
}

// frame prepends the 4-byte big-endian length header used for catalog
// payloads.
func frame(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

func safeName(name string) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, 0) {
		return "", errBadFilename
	}
	return name, nil
}
