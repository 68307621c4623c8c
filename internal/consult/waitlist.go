package consult

import (
	"context"
	"sync"
)

// Waitlist queues consumers who asked for a busy provider.
type Waitlist interface {
	Enqueue(ctx context.Context, providerID, consumerID string) error
	Remove(ctx context.Context, providerID, consumerID string) error
	// Next pops the consumer waiting longest for providerID.
	Next(ctx context.Context, providerID string) (string, bool, error)
}

// MemoryWaitlist is a process-local Waitlist.
type MemoryWaitlist struct {
	mu     sync.Mutex
	queues map[string][]string
}

// NewMemoryWaitlist returns an empty waitlist.
func NewMemoryWaitlist() *MemoryWaitlist {
	return &MemoryWaitlist{queues: make(map[string][]string)}
}

func (waitlist *MemoryWaitlist) Enqueue(_ context.Context, providerID, consumerID string) error {
	waitlist.mu.Lock()
	defer waitlist.mu.Unlock()
	queue := without(waitlist.queues[providerID], consumerID)
	waitlist.queues[providerID] = append(queue, consumerID)
	return nil
}

func (waitlist *MemoryWaitlist) Remove(_ context.Context, providerID, consumerID string) error {
	waitlist.mu.Lock()
	defer waitlist.mu.Unlock()
	queue := without(waitlist.queues[providerID], consumerID)
	if len(queue) == 0 {
		delete(waitlist.queues, providerID)
		return nil
	}
	waitlist.queues[providerID] = queue
	return nil
}

func (waitlist *MemoryWaitlist) Next(_ context.Context, providerID string) (string, bool, error) {
	waitlist.mu.Lock()
	defer waitlist.mu.Unlock()
	queue := waitlist.queues[providerID]
	if len(queue) == 0 {
		return "", false, nil
	}
	head := queue[0]
	if len(queue) == 1 {
		delete(waitlist.queues, providerID)
	} else {
		waitlist.queues[providerID] = queue[1:]
	}
	return head, true, nil
}

func without(queue []string, consumerID string) []string {
	kept := make([]string, 0, len(queue))
	for _, waiting := range queue {
		if waiting != consumerID {
			kept = append(kept, waiting)
		}
	}
	return kept
}
