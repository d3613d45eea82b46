package main

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"wavelink/internal/cid"
	"wavelink/internal/config"
	"wavelink/internal/fanout"
	"wavelink/internal/logging"
	"wavelink/internal/publish"
	"wavelink/internal/registry"
	"wavelink/internal/types"
	"wavelink/pkg/protocol"
)

// Server wires the push surface together: HTTP routes, the connection
// registry, the fanout bridge, and the event publisher.
type Server struct {
	cfg       *config.Config
	registry  *registry.Registry
	bridge    *fanout.Bridge
	publisher *publish.Publisher
	router    *gin.Engine
}

// NewServer builds the server and its routes.
func NewServer(cfg *config.Config, reg *registry.Registry, bridge *fanout.Bridge, pub *publish.Publisher) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  reg,
		bridge:    bridge,
		publisher: pub,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), cidMiddleware(), s.otelMiddleware())

	r.GET("/healthz", s.handleHealth)
	r.GET("/api/stats", s.handleStats)
	r.GET("/push", s.handlePush)

	calls := r.Group("/calls")
	{
		calls.POST("/start", s.handleCallStart)
		calls.POST("/answer", s.handleCallAnswer)
		calls.POST("/candidate", s.handleCallCandidate)
		calls.POST("/end", s.handleCallEnd)
	}

	s.router = r
	return s
}

// cidMiddleware ensures every request carries a correlation id. An incoming
// header is preserved; otherwise a fresh KSUID is generated.
func cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cid.HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(cid.WithCID(c.Request.Context(), id))
		c.Header(cid.HeaderName, id)
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "wavelink",
	})
}

func (s *Server) handleStats(c *gin.Context) {
	conns, counts := s.registry.Stats()
	bs := s.bridge.Stats()
	c.JSON(http.StatusOK, types.ServerStats{
		Connections:      conns,
		Channels:         len(counts),
		ChannelCounts:    counts,
		BridgeDelivered:  bs.Delivered,
		BridgeDropped:    bs.Dropped,
		BridgeMalformed:  bs.Malformed,
		BridgeNoListener: bs.NoListener,
	})
}

// handlePush upgrades the connection, registers it, and starts the pumps.
// The handshake is: client connects with ?userId=&chatId=, server replies
// with a "connected" event carrying the connection id.
func (s *Server) handlePush(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logging.Warn().Err(err).Msg("push upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	userID := c.Query("userId")
	chatID := c.Query("chatId")
	pushConn := types.NewConnection(uuid.New().String(), userID, chatID)
	pushConn.CloseTransport = func() {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	if err := s.registry.Register(pushConn); err != nil {
		logging.Warn().Err(err).Msg("register rejected")
		conn.Close(websocket.StatusTryAgainLater, "shutting down")
		return
	}
	defer s.registry.Unregister(pushConn.ID)

	logging.Info().
		Str("connection_id", pushConn.ID).
		Str("user_id", userID).
		Str("chat_id", chatID).
		Msg("push connection opened")

	ack := protocol.NewEvent(protocol.EventConnected, map[string]any{
		"connectionId": pushConn.ID,
	})
	frame, err := ack.Marshal()
	if err != nil {
		return
	}

	writeCtx, cancelWrite := context.WithCancel(c.Request.Context())
	defer cancelWrite()

	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		logging.Warn().Err(err).Str("connection_id", pushConn.ID).Msg("connected ack failed")
		return
	}

	go s.writePump(writeCtx, conn, pushConn)
	s.readPump(c.Request.Context(), conn, pushConn)

	logging.Info().Str("connection_id", pushConn.ID).Msg("push connection closed")
}

// writePump drains the connection's send queue onto the socket. Exits when
// the queue closes, a write fails, or the request context ends.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, pushConn *types.Connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-pushConn.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				logging.Debug().Err(err).Str("connection_id", pushConn.ID).Msg("push write failed")
				return
			}
		}
	}
}

// readPump processes client control events until the socket closes.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, pushConn *types.Connection) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		event, err := protocol.ParseEvent(data)
		if err != nil {
			logging.Warn().Err(err).Str("connection_id", pushConn.ID).Msg("bad control frame, dropped")
			continue
		}

		switch event.Type {
		case protocol.ControlSubscribe:
			if channel, ok := event.Data["channel"].(string); ok && channel != "" {
				if err := s.registry.Subscribe(pushConn.ID, channel); err != nil {
					logging.Warn().Err(err).Str("connection_id", pushConn.ID).Msg("subscribe failed")
				}
			}
		case protocol.ControlUnsubscribe:
			if channel, ok := event.Data["channel"].(string); ok && channel != "" {
				if err := s.registry.Unsubscribe(pushConn.ID, channel); err != nil {
					logging.Warn().Err(err).Str("connection_id", pushConn.ID).Msg("unsubscribe failed")
				}
			}
		case protocol.ControlHeartbeat:
			// Liveness evidence only; the registry's ping loop is one-way.
		default:
			logging.Debug().Str("type", event.Type).Msg("unknown control event ignored")
		}
	}
}

// Shutdown drains the registry and closes every held connection with a
// going-away status. The caller must stop the fanout bridge first; a bridge
// handler still running would write to a closed send queue.
func (s *Server) Shutdown() {
	for _, conn := range s.registry.Drain() {
		close(conn.Send)
		if conn.CloseTransport != nil {
			conn.CloseTransport()
		}
	}
}
