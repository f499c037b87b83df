// ABOUTME: App-lifecycle and background-task collaborator interfaces
// ABOUTME: Injected capabilities; the core never controls UI state itself

package jobs

import (
	"context"
	"sync"
)

// LifecycleEvent is an app state transition reported by the host
type LifecycleEvent int

const (
	EventForeground LifecycleEvent = iota
	EventBackground
	EventResignActive
	EventBecameActive
	EventWillTerminate
)

func (e LifecycleEvent) String() string {
	switch e {
	case EventForeground:
		return "foreground"
	case EventBackground:
		return "background"
	case EventResignActive:
		return "resign_active"
	case EventBecameActive:
		return "became_active"
	case EventWillTerminate:
		return "will_terminate"
	default:
		return "unknown"
	}
}

// Lifecycle delivers app state transitions. The host's UI bridge
// implements it; the scheduler only consumes.
type Lifecycle interface {
	// Subscribe returns a channel of lifecycle events. The channel closes
	// when ctx is cancelled.
	Subscribe(ctx context.Context) <-chan LifecycleEvent
}

// BackgroundTask bounds how long work may keep running after the app
// backgrounds. Expired tasks signal on Done; holders must stop starting
// new transactions when that fires. In-flight transactions still commit
// or roll back atomically.
type BackgroundTask interface {
	// Done is closed when the execution window is about to expire
	Done() <-chan struct{}
	// End releases the task. Safe to call after expiry.
	End()
}

// TaskProvider grants time-limited background execution windows
type TaskProvider interface {
	Begin(name string) (BackgroundTask, error)
}

// ManualLifecycle is a Lifecycle implementation driven by explicit Emit
// calls. Hosts adapt their UI callbacks onto it; tests drive it directly.
type ManualLifecycle struct {
	mu   sync.Mutex
	subs []chan LifecycleEvent
}

func NewManualLifecycle() *ManualLifecycle {
	return &ManualLifecycle{}
}

func (l *ManualLifecycle) Subscribe(ctx context.Context) <-chan LifecycleEvent {
	ch := make(chan LifecycleEvent, 8)
	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		for i, sub := range l.subs {
			if sub == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
		close(ch)
		l.mu.Unlock()
	}()
	return ch
}

// Emit delivers an event to all subscribers. Non-blocking: a subscriber
// that is not draining misses the event. Sends happen under the mutex so
// they can never race the close in a subscriber's cleanup goroutine.
func (l *ManualLifecycle) Emit(event LifecycleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// unboundedTask never expires; used when the host grants no bounded window
type unboundedTask struct{}

func (unboundedTask) Done() <-chan struct{} { return nil }
func (unboundedTask) End()                  {}

// UnboundedTasks is a TaskProvider whose windows never expire. Suitable
// for hosts without background execution limits and for tests.
type UnboundedTasks struct{}

func (UnboundedTasks) Begin(string) (BackgroundTask, error) { return unboundedTask{}, nil }

// ExpiringTask is a BackgroundTask driven by an explicit Expire call.
// Hosts adapt OS expiry callbacks onto it; tests drive it directly.
type ExpiringTask struct {
	once sync.Once
	done chan struct{}
}

func NewExpiringTask() *ExpiringTask {
	return &ExpiringTask{done: make(chan struct{})}
}

func (t *ExpiringTask) Done() <-chan struct{} { return t.done }

// Expire signals that the execution window is over. Idempotent.
func (t *ExpiringTask) Expire() {
	t.once.Do(func() { close(t.done) })
}

func (t *ExpiringTask) End() {}
