// ABOUTME: Lifecycle-driven scheduler for the maintenance jobs
// ABOUTME: Reconciles on foreground, arms expiry timers, honors background windows

package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-messenger/internal/storage"
)

// fallbackExpiryInterval bounds the disappearing-messages timer when no
// upcoming expiry is known.
const fallbackExpiryInterval = 5 * time.Minute

// Scheduler drives the maintenance jobs from app lifecycle transitions:
//
//   - foreground: failed-message and failed-attachment reconciliation run
//     once ("we died mid-operation, reconcile now"), then the disappearing
//     finder and a prune of aged-out seen-envelope markers
//   - a timer armed from the soonest upcoming expiry re-runs the
//     disappearing finder close to its deadline
//   - the batch processor runs whenever Wake signals that envelopes
//     arrived, not just at startup
//
// Every pass runs inside a background execution window from the
// TaskProvider; when the window expires mid-pass the pass context is
// cancelled, so jobs stop starting new transactions while in-flight
// per-record transactions finish atomically.
//
// Jobs depend on async-registered extensions, so the first pass waits for
// the manager's FullyRegistered signal.
type Scheduler struct {
	manager   *storage.Manager
	lifecycle Lifecycle
	tasks     TaskProvider

	failedMessages    *FailedMessagesJob
	failedAttachments *FailedAttachmentsJob
	disappearing      *DisappearingMessagesJob
	finder            *IncomingMessageFinder
	processor         *BatchProcessor

	fallbackExpiry time.Duration
	wake           chan struct{}
	logger         *slog.Logger
}

// NewScheduler wires the jobs to their lifecycle triggers. fallbackExpiry
// bounds the disappearing-messages timer when no upcoming expiry is known;
// <= 0 uses the default.
func NewScheduler(
	manager *storage.Manager,
	lifecycle Lifecycle,
	tasks TaskProvider,
	failedMessages *FailedMessagesJob,
	failedAttachments *FailedAttachmentsJob,
	disappearing *DisappearingMessagesJob,
	finder *IncomingMessageFinder,
	processor *BatchProcessor,
	fallbackExpiry time.Duration,
	logger *slog.Logger,
) *Scheduler {
	if tasks == nil {
		tasks = UnboundedTasks{}
	}
	if fallbackExpiry <= 0 {
		fallbackExpiry = fallbackExpiryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager:           manager,
		lifecycle:         lifecycle,
		tasks:             tasks,
		failedMessages:    failedMessages,
		failedAttachments: failedAttachments,
		disappearing:      disappearing,
		finder:            finder,
		processor:         processor,
		fallbackExpiry:    fallbackExpiry,
		wake:              make(chan struct{}, 1),
		logger:            logger.With("component", "scheduler"),
	}
}

// Wake signals that envelopes arrived and the batch processor should run.
// Safe to call from any goroutine; signals coalesce.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done, reacting to lifecycle events, expiry
// timers and wake signals. Call it on a background goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.manager.AwaitFullyRegistered(ctx); err != nil {
		return err
	}

	events := s.lifecycle.Subscribe(ctx)

	// Startup behaves like the first foreground transition.
	s.reconcilePass(ctx)

	expiryTimer := time.NewTimer(s.nextExpiryDelay(ctx))
	defer expiryTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				return nil
			}
			s.logger.Debug("lifecycle event", "event", event.String())
			switch event {
			case EventForeground:
				s.reconcilePass(ctx)
				resetTimer(expiryTimer, s.nextExpiryDelay(ctx))
			case EventWillTerminate:
				// Nothing to flush beyond committed transactions; log so
				// the shutdown is visible in diagnostics.
				s.logger.Info("terminating, committed state is durable")
			}

		case <-expiryTimer.C:
			s.runInWindow(ctx, "disappearing_messages", s.disappearing.Run)
			resetTimer(expiryTimer, s.nextExpiryDelay(ctx))

		case <-s.wake:
			s.runInWindow(ctx, "batch_processor", func(passCtx context.Context) error {
				_, _, err := s.processor.ProcessPending(passCtx)
				return err
			})
		}
	}
}

// reconcilePass runs the startup/foreground reconciliation jobs
func (s *Scheduler) reconcilePass(ctx context.Context) {
	s.runInWindow(ctx, "reconcile", func(passCtx context.Context) error {
		if err := s.failedMessages.Run(passCtx); err != nil {
			s.logger.Error("failed-messages job", "error", err)
		}
		if err := s.failedAttachments.Run(passCtx); err != nil {
			s.logger.Error("failed-attachments job", "error", err)
		}
		if err := s.disappearing.Run(passCtx); err != nil {
			s.logger.Error("disappearing-messages job", "error", err)
		}
		if s.finder != nil {
			if err := s.finder.PruneMarkers(passCtx); err != nil {
				s.logger.Error("pruning seen-envelope markers", "error", err)
			}
		}
		return nil
	})
}

// runInWindow runs fn inside a background execution window. The pass
// context is cancelled when the window expires, which stops jobs from
// starting new per-record transactions.
func (s *Scheduler) runInWindow(ctx context.Context, name string, fn func(context.Context) error) {
	task, err := s.tasks.Begin(name)
	if err != nil {
		s.logger.Warn("background window denied, skipping pass", "pass", name, "error", err)
		return
	}
	defer task.End()

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if done := task.Done(); done != nil {
		go func() {
			select {
			case <-done:
				s.logger.Warn("background window expiring, stopping pass", "pass", name)
				cancel()
			case <-passCtx.Done():
			}
		}()
	}

	if err := fn(passCtx); err != nil && passCtx.Err() == nil {
		s.logger.Error("maintenance pass failed", "pass", name, "error", err)
	}
}

// nextExpiryDelay asks the disappearing finder when to run next
func (s *Scheduler) nextExpiryDelay(ctx context.Context) time.Duration {
	deadline, ok, err := s.disappearing.NextExpiry(ctx)
	if err != nil {
		s.logger.Error("finding next expiry", "error", err)
		return s.fallbackExpiry
	}
	if !ok {
		return s.fallbackExpiry
	}
	delay := time.Until(deadline)
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
