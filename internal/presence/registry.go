// Package presence tracks which actors hold a live realtime connection.
package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const mirrorTimeout = 2 * time.Second

// ErrInvalidActorID is returned for blank actor ids.
var ErrInvalidActorID = errors.New("invalid presence actor id")

// Handle is an outbound channel to one connected actor.
type Handle interface {
	// Send enqueues payload; false means the connection could not take it.
	Send(payload []byte) bool
}

// Mirror publishes presence to other processes.
type Mirror interface {
	MarkOnline(ctx context.Context, actorID string) error
	MarkOffline(ctx context.Context, actorID string) error
}

// Refresher is a Mirror whose entries expire unless a live connection extends them.
type Refresher interface {
	Refresh(ctx context.Context, actorID string) error
}

// Entry is one registered connection.
type Entry struct {
	ActorID     string
	Handle      Handle
	ConnectedAt time.Time
}

// Registry maps actor ids to their current connection.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	mirror  Mirror
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMirror publishes every change to mirror.
func WithMirror(mirror Mirror) Option {
	return func(registry *Registry) {
		registry.mirror = mirror
	}
}

// WithClock overrides the connection timestamp source.
func WithClock(now func() time.Time) Option {
	return func(registry *Registry) {
		if now != nil {
			registry.now = now
		}
	}
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger, options ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := &Registry{
		entries: make(map[string]Entry),
		logger:  logger,
		now:     time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	return registry
}

// SetOnline registers handle for actorID, replacing any previous connection.
func (registry *Registry) SetOnline(actorID string, handle Handle) error {
	normalized := strings.TrimSpace(actorID)
	if normalized == "" || handle == nil {
		return ErrInvalidActorID
	}
	registry.mu.Lock()
	registry.entries[normalized] = Entry{ActorID: normalized, Handle: handle, ConnectedAt: registry.now()}
	registry.mu.Unlock()
	registry.publish(normalized, true)
	return nil
}

// SetOffline removes actorID whatever connection it holds.
func (registry *Registry) SetOffline(actorID string) {
	normalized := strings.TrimSpace(actorID)
	registry.mu.Lock()
	_, existed := registry.entries[normalized]
	delete(registry.entries, normalized)
	registry.mu.Unlock()
	if existed {
		registry.publish(normalized, false)
	}
}

// SetOfflineIfCurrent removes actorID only while handle is still its registered
// connection, so a late disconnect of a replaced socket keeps the newer one.
func (registry *Registry) SetOfflineIfCurrent(actorID string, handle Handle) bool {
	normalized := strings.TrimSpace(actorID)
	registry.mu.Lock()
	entry, exists := registry.entries[normalized]
	if !exists || entry.Handle != handle {
		registry.mu.Unlock()
		return false
	}
	delete(registry.entries, normalized)
	registry.mu.Unlock()
	registry.publish(normalized, false)
	return true
}

// Lookup returns the connection of actorID.
func (registry *Registry) Lookup(actorID string) (Handle, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	entry, exists := registry.entries[strings.TrimSpace(actorID)]
	if !exists {
		return nil, false
	}
	return entry.Handle, true
}

// Online reports whether actorID is connected.
func (registry *Registry) Online(actorID string) bool {
	_, online := registry.Lookup(actorID)
	return online
}

// Send delivers payload to actorID when connected.
func (registry *Registry) Send(actorID string, payload []byte) bool {
	handle, online := registry.Lookup(actorID)
	if !online {
		return false
	}
	return handle.Send(payload)
}

// Touch extends the mirrored presence of a connected actor.
func (registry *Registry) Touch(actorID string) {
	refresher, ok := registry.mirror.(Refresher)
	if !ok || !registry.Online(actorID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := refresher.Refresh(ctx, strings.TrimSpace(actorID)); err != nil {
		registry.logger.Warn("presence refresh failed", zap.String("actor_id", actorID), zap.Error(err))
	}
}

// Count returns the number of connected actors.
func (registry *Registry) Count() int {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return len(registry.entries)
}

func (registry *Registry) publish(actorID string, online bool) {
	if registry.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	var err error
	if online {
		err = registry.mirror.MarkOnline(ctx, actorID)
	} else {
		err = registry.mirror.MarkOffline(ctx, actorID)
	}
	if err != nil {
		registry.logger.Warn("presence mirror update failed", zap.String("actor_id", actorID), zap.Bool("online", online), zap.Error(err))
	}
}
