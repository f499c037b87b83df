// ABOUTME: Cross-process database-change notifier backed by a sidecar marker file
// ABOUTME: Publishes after committed writes and fans out to in-process subscribers

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each in-process
	// subscriber. Signals carry no payload so coalescing by dropping is
	// harmless — consumers re-read through their own connection anyway.
	subscriberBufferSize = 8
)

// Signal is a payloadless "database changed" notification
type Signal struct{}

// Notifier broadcasts committed-transaction notifications. In-process
// consumers subscribe directly; other processes sharing the database file
// observe the sidecar marker file through a Watcher.
type Notifier struct {
	mu          sync.RWMutex
	path        string
	counter     uint64
	subscribers map[string]chan Signal
	logger      *slog.Logger
}

// New creates a notifier writing to the given sidecar path. Pass nil
// logger for the default.
func New(path string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		path:        path,
		subscribers: make(map[string]chan Signal),
		logger:      logger.With("component", "notify"),
	}
}

// Publish records a committed write: it bumps the marker file and signals
// every in-process subscriber. Non-blocking; a subscriber with a full
// buffer simply misses one coalesced signal.
func (n *Notifier) Publish() {
	n.mu.Lock()
	n.counter++
	counter := n.counter
	// Sends stay under the mutex: they cannot block, and unsubscribing
	// closes the channel under the same mutex, so a send can never race
	// a close.
	for _, ch := range n.subscribers {
		select {
		case ch <- Signal{}:
		default:
		}
	}
	n.mu.Unlock()

	if err := os.WriteFile(n.path, []byte(strconv.FormatUint(counter, 10)), 0644); err != nil {
		// The in-process fan-out still happens; cross-process consumers
		// catch up on the next successful bump.
		n.logger.Warn("writing change marker failed", "path", n.path, "error", err)
	}
}

// Subscribe registers an in-process subscriber. The subscription is
// removed when ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context) <-chan Signal {
	id := uuid.New().String()
	ch := make(chan Signal, subscriberBufferSize)

	n.mu.Lock()
	n.subscribers[id] = ch
	n.mu.Unlock()

	n.logger.Debug("subscriber added", "sub_id", id)

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subscribers, id)
		close(ch)
		n.mu.Unlock()
	}()

	return ch
}

// Counter returns the number of commits published so far by this process
func (n *Notifier) Counter() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.counter
}

// Reset removes the sidecar marker file
func (n *Notifier) Reset() error {
	if err := os.Remove(n.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing change marker: %w", err)
	}
	return nil
}
