// Package realtime carries session traffic over websockets: it authenticates sockets,
// tracks presence, routes inbound frames to the coordinator and pushes events back.
package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/presence"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultWriteTimeout = 10 * time.Second

// Server upgrades authenticated HTTP requests to sockets.
type Server struct {
	registry     *presence.Registry
	processor    Processor
	tokens       *TokenService
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	onDisconnect func(actorID string)
}

// NewServer builds a socket server. allowedOrigins empty means any origin.
func NewServer(registry *presence.Registry, processor Processor, tokens *TokenService, allowedOrigins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origins[strings.TrimSpace(origin)] = struct{}{}
	}
	return &Server{
		registry:     registry,
		processor:    processor,
		tokens:       tokens,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(request *http.Request) bool {
				origin := request.Header.Get("Origin")
				if len(origins) == 0 || origin == "" {
					return true
				}
				_, allowed := origins[origin]
				return allowed
			},
		},
	}
}

// OnDisconnect registers handler to run after an actor's current socket closes.
func (server *Server) OnDisconnect(handler func(actorID string)) {
	server.onDisconnect = handler
}

// HandleWS authenticates the token query parameter and serves the socket.
func (server *Server) HandleWS(writer http.ResponseWriter, request *http.Request) {
	claims, err := server.tokens.Validate(request.URL.Query().Get("token"))
	if err != nil {
		http.Error(writer, "invalid token", http.StatusUnauthorized)
		return
	}
	ws, err := server.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		server.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	actorID := claims.ActorID
	ctx, cancel := context.WithCancel(context.Background())
	connection := NewConnection(actorID, ws, server.processor, server.writeTimeout, server.logger, func(closed *Connection) {
		if server.registry.SetOfflineIfCurrent(actorID, closed) {
			server.logger.Info("actor disconnected", zap.String("actor_id", actorID))
			if server.onDisconnect != nil {
				server.onDisconnect(actorID)
			}
		}
		cancel()
	})
	connection.onPong = func() { server.registry.Touch(actorID) }
	if err := server.registry.SetOnline(actorID, connection); err != nil {
		server.logger.Warn("presence registration failed", zap.String("actor_id", actorID), zap.Error(err))
		cancel()
		_ = ws.Close()
		return
	}
	server.logger.Info("actor connected", zap.String("actor_id", actorID), zap.Int("connected", server.registry.Count()))
	go connection.Start(ctx)
}
