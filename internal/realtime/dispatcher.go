package realtime

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/consult/internal/consult"
	"go.uber.org/zap"
)

// Registry is where the dispatcher finds live sockets.
type Registry interface {
	Send(actorID string, payload []byte) bool
}

// Dispatcher delivers coordinator events over the actor's socket.
type Dispatcher struct {
	registry Registry
	logger   *zap.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(registry Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Notify encodes event and hands it to actorID's socket. Offline actors miss it.
func (dispatcher *Dispatcher) Notify(actorID string, event consult.Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		dispatcher.logger.Error("event encode failed", zap.String("event", string(event.Type)), zap.Error(err))
		return false
	}
	return dispatcher.registry.Send(actorID, payload)
}
