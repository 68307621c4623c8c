package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBufferSize = 32
	readLimitBytes = 64 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
)

// Processor handles one inbound frame and may answer it.
type Processor interface {
	Process(ctx context.Context, actorID string, raw []byte) []byte
}

// Connection is one actor's socket with its read and write pumps.
type Connection struct {
	actorID      string
	ws           *websocket.Conn
	send         chan []byte
	processor    Processor
	writeTimeout time.Duration
	logger       *zap.Logger
	onClose      func(*Connection)
	onPong       func()

	mu     sync.Mutex
	closed bool
}

// NewConnection wraps ws for actorID.
func NewConnection(actorID string, ws *websocket.Conn, processor Processor, writeTimeout time.Duration, logger *zap.Logger, onClose func(*Connection)) *Connection {
	return &Connection{
		actorID:      actorID,
		ws:           ws,
		send:         make(chan []byte, sendBufferSize),
		processor:    processor,
		writeTimeout: writeTimeout,
		logger:       logger,
		onClose:      onClose,
	}
}

// ActorID returns the authenticated actor.
func (connection *Connection) ActorID() string {
	return connection.actorID
}

// Start runs both pumps until the socket closes.
func (connection *Connection) Start(ctx context.Context) {
	go connection.writePump(ctx)
	connection.readPump(ctx)
}

// Send queues payload; it reports false when the socket is closed or its buffer is full.
func (connection *Connection) Send(payload []byte) bool {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	if connection.closed {
		return false
	}
	select {
	case connection.send <- payload:
		return true
	default:
		connection.logger.Warn("dropping outgoing message, buffer full", zap.String("actor_id", connection.actorID))
		return false
	}
}

func (connection *Connection) readPump(ctx context.Context) {
	defer connection.cleanup()
	connection.ws.SetReadLimit(readLimitBytes)
	_ = connection.ws.SetReadDeadline(time.Now().Add(pongWait))
	connection.ws.SetPongHandler(func(string) error {
		if connection.onPong != nil {
			connection.onPong()
		}
		return connection.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, frame, err := connection.ws.ReadMessage()
		if err != nil {
			connection.logger.Info("socket read closed", zap.String("actor_id", connection.actorID), zap.Error(err))
			return
		}
		if response := connection.processor.Process(ctx, connection.actorID, frame); response != nil {
			connection.Send(response)
		}
	}
}

func (connection *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer connection.ws.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-connection.send:
			if !ok {
				_ = connection.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := connection.write(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := connection.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (connection *Connection) write(messageType int, data []byte) error {
	_ = connection.ws.SetWriteDeadline(time.Now().Add(connection.writeTimeout))
	return connection.ws.WriteMessage(messageType, data)
}

func (connection *Connection) cleanup() {
	connection.mu.Lock()
	if connection.closed {
		connection.mu.Unlock()
		return
	}
	connection.closed = true
	close(connection.send)
	connection.mu.Unlock()
	if connection.onClose != nil {
		connection.onClose(connection)
	}
}
