package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	consumerActorID = "user-1"
	providerActorID = "astro-1"
)

type recordingHandle struct {
	mu       sync.Mutex
	payloads [][]byte
	full     bool
}

func (handle *recordingHandle) Send(payload []byte) bool {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.full {
		return false
	}
	handle.payloads = append(handle.payloads, payload)
	return true
}

type recordingMirror struct {
	mu      sync.Mutex
	changes []string
	err     error
}

func (mirror *recordingMirror) MarkOnline(_ context.Context, actorID string) error {
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	mirror.changes = append(mirror.changes, "+"+actorID)
	return mirror.err
}

func (mirror *recordingMirror) MarkOffline(_ context.Context, actorID string) error {
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	mirror.changes = append(mirror.changes, "-"+actorID)
	return mirror.err
}

func TestRegistryOnlineLookupOffline(test *testing.T) {
	test.Parallel()
	connectedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mirror := &recordingMirror{}
	registry := NewRegistry(zap.NewNop(), WithMirror(mirror), WithClock(func() time.Time { return connectedAt }))
	handle := &recordingHandle{}

	if err := registry.SetOnline(" "+consumerActorID+" ", handle); err != nil {
		test.Fatalf("set online: %v", err)
	}
	found, online := registry.Lookup(consumerActorID)
	if !online || found != handle {
		test.Fatalf("expected handle for %s", consumerActorID)
	}
	if !registry.Send(consumerActorID, []byte("hello")) {
		test.Fatalf("expected send to succeed")
	}
	if registry.Send(providerActorID, []byte("hello")) {
		test.Fatalf("expected send to offline actor to fail")
	}

	registry.SetOffline(consumerActorID)
	registry.SetOffline(consumerActorID)
	if registry.Online(consumerActorID) {
		test.Fatalf("expected actor offline")
	}
	if len(handle.payloads) != 1 {
		test.Fatalf("expected one payload, got %d", len(handle.payloads))
	}
	if got := mirror.changes; len(got) != 2 || got[0] != "+user-1" || got[1] != "-user-1" {
		test.Fatalf("unexpected mirror changes %v", got)
	}
}

func TestRegistryReplacedConnectionDisconnectKeepsNewer(test *testing.T) {
	test.Parallel()
	registry := NewRegistry(nil)
	oldHandle := &recordingHandle{}
	newHandle := &recordingHandle{}
	if err := registry.SetOnline(providerActorID, oldHandle); err != nil {
		test.Fatalf("set online: %v", err)
	}
	if err := registry.SetOnline(providerActorID, newHandle); err != nil {
		test.Fatalf("set online: %v", err)
	}
	if registry.SetOfflineIfCurrent(providerActorID, oldHandle) {
		test.Fatalf("stale handle must not evict the newer connection")
	}
	found, online := registry.Lookup(providerActorID)
	if !online || found != newHandle {
		test.Fatalf("expected newer handle to remain registered")
	}
	if !registry.SetOfflineIfCurrent(providerActorID, newHandle) {
		test.Fatalf("expected current handle to be removed")
	}
	if registry.Count() != 0 {
		test.Fatalf("expected empty registry, got %d", registry.Count())
	}
}

func TestRegistryRejectsBlankActor(test *testing.T) {
	test.Parallel()
	registry := NewRegistry(nil)
	if err := registry.SetOnline("  ", &recordingHandle{}); !errors.Is(err, ErrInvalidActorID) {
		test.Fatalf("expected ErrInvalidActorID, got %v", err)
	}
	if err := registry.SetOnline(consumerActorID, nil); !errors.Is(err, ErrInvalidActorID) {
		test.Fatalf("expected ErrInvalidActorID for nil handle, got %v", err)
	}
}

func TestRegistryLogsMirrorFailure(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zap.WarnLevel)
	registry := NewRegistry(zap.New(core), WithMirror(&recordingMirror{err: errors.New("redis down")}))
	if err := registry.SetOnline(consumerActorID, &recordingHandle{}); err != nil {
		test.Fatalf("mirror failures must not fail registration: %v", err)
	}
	if !registry.Online(consumerActorID) {
		test.Fatalf("expected local registration despite mirror failure")
	}
	if logs.FilterMessage("presence mirror update failed").Len() != 1 {
		test.Fatalf("expected one mirror warning, got %d", logs.Len())
	}
}

func TestRegistryConcurrentAccess(test *testing.T) {
	test.Parallel()
	registry := NewRegistry(nil)
	var waitGroup sync.WaitGroup
	for index := 0; index < 32; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			handle := &recordingHandle{}
			actorID := consumerActorID
			if index%2 == 0 {
				actorID = providerActorID
			}
			_ = registry.SetOnline(actorID, handle)
			registry.Lookup(actorID)
			registry.SetOfflineIfCurrent(actorID, handle)
		}(index)
	}
	waitGroup.Wait()
	if registry.Count() > 2 {
		test.Fatalf("expected at most two actors, got %d", registry.Count())
	}
}

type refreshingMirror struct {
	recordingMirror
	refreshed []string
}

func (mirror *refreshingMirror) Refresh(_ context.Context, actorID string) error {
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	mirror.refreshed = append(mirror.refreshed, actorID)
	return nil
}

func TestRegistryTouchRefreshesOnlyConnectedActors(test *testing.T) {
	test.Parallel()
	mirror := &refreshingMirror{}
	registry := NewRegistry(zap.NewNop(), WithMirror(mirror))
	if err := registry.SetOnline(consumerActorID, &recordingHandle{}); err != nil {
		test.Fatalf("set online: %v", err)
	}
	registry.Touch(consumerActorID)
	registry.Touch(providerActorID)

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.refreshed) != 1 || mirror.refreshed[0] != consumerActorID {
		test.Fatalf("expected one refresh for %s, got %v", consumerActorID, mirror.refreshed)
	}
}

func TestRegistryTouchWithoutRefresherIsNoop(test *testing.T) {
	test.Parallel()
	registry := NewRegistry(zap.NewNop(), WithMirror(&recordingMirror{}))
	if err := registry.SetOnline(consumerActorID, &recordingHandle{}); err != nil {
		test.Fatalf("set online: %v", err)
	}
	registry.Touch(consumerActorID)
	NewRegistry(zap.NewNop()).Touch(consumerActorID)
}
