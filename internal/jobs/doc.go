// Package jobs contains the maintenance jobs that repair or advance
// message state after partial failures, and the scheduler that drives
// them from app lifecycle transitions.
//
// # Common contract
//
// Every job is idempotent: re-running with nothing to do is a safe no-op,
// and re-running after a partial prior run converges to the same terminal
// state. Jobs scan a registered view or index for records matching a
// staleness predicate and apply a terminal-state transition to each record
// in its own write transaction — never a transaction shared with caller
// code — so a crash mid-job keeps every already-committed transition and
// leaves the rest for the next run.
//
// A job whose extension failed to register detects the absence and skips
// the run with a warning instead of crashing.
//
// # Jobs
//
//   - FailedMessagesJob: outgoing interactions stuck in sending or
//     attempting_out from before process start are marked failed
//   - FailedAttachmentsJob: attachment pointers stuck in downloading are
//     marked failed so the UI can offer manual retry
//   - DisappearingMessagesJob: interactions whose expiry deadline passed
//     are deleted, never before their deadline
//   - IncomingMessageFinder: atomic test-and-mark of envelope ids for the
//     network layer's duplicate detection
//   - BatchProcessor: decrypts queued envelopes and stores them as
//     interactions, one savepoint per envelope inside a batch transaction
//
// # Scheduling
//
// The Scheduler subscribes to the injected Lifecycle: failed-message and
// failed-attachment reconciliation run once per foreground transition, the
// disappearing finder runs on foreground and on a timer armed from the
// soonest upcoming expiry, and the batch processor runs whenever Wake
// reports arrived envelopes. Each pass holds a BackgroundTask from the
// injected TaskProvider and stops starting new transactions when the
// window expires.
//
// Jobs own their extensions. In production the storage manager registers
// them during the async phase and the scheduler waits on the
// FullyRegistered signal; tests call each job's
// BlockingRegisterExtensions instead.
package jobs
