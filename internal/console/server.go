package console

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/hub"
	"github.com/dkeye/Meet/internal/netutil"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	cfg  *config.Config
	hub  *hub.Hub
	feed *Feed

	ln     net.Listener
	srv    *http.Server
	logger zerolog.Logger
}

func NewServer(cfg *config.Config, h *hub.Hub, feed *Feed) *Server {
	return &Server{
		cfg:    cfg,
		hub:    h,
		feed:   feed,
		logger: log.With().Str("module", "console").Logger(),
	}
}

func (s *Server) setupRouter() *gin.Engine {
	if s.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if s.cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(s.cfg.Secret))
	r.Use(sessions.Sessions("MeetConsole", store))

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/info", s.handleInfo)
	api.GET("/ws/events", s.handleEvents)

	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running":  s.hub.Running(),
		"services": s.hub.States(),
	})
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ip": netutil.PrimaryIPv4(),
		"ports": gin.H{
			"chat":         s.cfg.ChatPort,
			"files":        s.cfg.FilePort,
			"video":        s.cfg.VideoPort,
			"audio":        s.cfg.AudioPort,
			"screen":       s.cfg.ScreenPort,
			"participants": s.cfg.ParticipantsPort,
		},
		"media": gin.H{
			"chunk_size":     s.cfg.ChunkSize,
			"max_datagram":   s.cfg.MaxDatagram,
			"frame_expiry":   s.cfg.FrameExpiry.String(),
			"client_timeout": s.cfg.ClientTimeout.String(),
		},
	})
}

// handleEvents streams feed events over a websocket until the peer
// goes away.
func (s *Server) handleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ws upgrade")
		return
	}

	id, events := s.feed.Subscribe()
	s.logger.Info().Str("subscriber", id).Msg("console subscribed")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.feed.Unsubscribe(id)
		_ = ws.Close()
		s.logger.Info().Str("subscriber", id).Msg("console unsubscribed")
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) Name() string { return "console" }

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.ConsolePort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("console listen: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.setupRouter()}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("console server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("console started")
	return nil
}

func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("console forced shutdown")
	}
	s.logger.Info().Msg("console stopped")
}
