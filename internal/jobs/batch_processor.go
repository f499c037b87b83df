// ABOUTME: Batch incoming-message processor draining the unprocessed-envelope queue
// ABOUTME: One transaction per batch, one savepoint per envelope for independent retry

package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-messenger/internal/storage"
)

// DefaultBatchSize is how many envelopes one batch transaction covers
const DefaultBatchSize = 25

// DecryptedMessage is the plaintext content of an envelope, produced by
// the external crypto collaborator.
type DecryptedMessage struct {
	ThreadID  string
	Body      string
	Kind      string
	Timestamp time.Time
	// ExpiresIn, when non-zero, starts the disappearing-message countdown
	// from storage time.
	ExpiresIn time.Duration
}

// Decryptor is the cryptographic session layer, a black box to the store
type Decryptor interface {
	Decrypt(ctx context.Context, envelope *storage.Envelope) (*DecryptedMessage, error)
}

// BatchProcessor drains the backlog of unprocessed envelopes: decrypt,
// construct the Interaction, store it, mark the envelope processed. It
// batches envelopes into one write transaction for throughput, with a
// savepoint per envelope so a decrypt failure rolls back only that
// envelope's work — the rest of the batch commits, and the failed
// envelope stays queued with an incremented attempt count.
type BatchProcessor struct {
	db        *storage.DB
	decryptor Decryptor
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// NewBatchProcessor creates the processor. batchSize <= 0 uses the
// default; now is injectable for tests, pass nil for time.Now.
func NewBatchProcessor(db *storage.DB, decryptor Decryptor, batchSize int, now func() time.Time, logger *slog.Logger) *BatchProcessor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchProcessor{
		db:        db,
		decryptor: decryptor,
		batchSize: batchSize,
		now:       now,
		logger:    logger.With("component", "batch_processor"),
	}
}

// ProcessPending drains unprocessed envelopes one batch at a time until
// the queue is empty or ctx is done. Returns how many envelopes were
// stored and how many failed decryption.
func (p *BatchProcessor) ProcessPending(ctx context.Context) (processed, failed int, err error) {
	// Envelopes that fail decryption stay unprocessed in the queue; skip
	// them for the rest of this run so one poison envelope cannot spin
	// the drain loop. The next run retries them.
	failedThisRun := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return processed, failed, ctx.Err()
		default:
		}

		// Over-fetch by the failed count so skipped envelopes do not
		// starve the ones queued behind them.
		envelopes, err := p.db.UnprocessedEnvelopes(ctx, p.batchSize+len(failedThisRun))
		if err != nil {
			return processed, failed, err
		}
		batch := envelopes[:0]
		for _, e := range envelopes {
			if !failedThisRun[e.ID] && len(batch) < p.batchSize {
				batch = append(batch, e)
			}
		}
		if len(batch) == 0 {
			return processed, failed, nil
		}

		batchProcessed, batchFailed, err := p.processBatch(ctx, batch, failedThisRun)
		processed += batchProcessed
		failed += batchFailed
		if err != nil {
			return processed, failed, err
		}
		if batchProcessed == 0 {
			return processed, failed, nil
		}
	}
}

// processBatch handles one batch inside a single write transaction
func (p *BatchProcessor) processBatch(ctx context.Context, envelopes []*storage.Envelope, failedThisRun map[string]bool) (processed, failed int, err error) {
	err = p.db.Write(ctx, func(tx *sql.Tx) error {
		for i, envelope := range envelopes {
			select {
			case <-ctx.Done():
				// Commit what is already done; the rest stays queued.
				return nil
			default:
			}

			savepoint := fmt.Sprintf("envelope_%d", i)
			if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
				return fmt.Errorf("creating savepoint: %w", err)
			}

			if err := p.processEnvelope(ctx, tx, envelope); err != nil {
				// Roll back only this envelope's work, then record the
				// failed attempt so the backlog stays diagnosable.
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+savepoint); rbErr != nil {
					return fmt.Errorf("rolling back to savepoint: %w", rbErr)
				}
				p.logger.Error("processing envelope failed",
					"envelope_id", envelope.ID, "source", envelope.Source, "error", err)

				envelope.Attempts++
				envelope.LastError = err.Error()
				if err := p.db.SaveEnvelope(ctx, tx, envelope); err != nil {
					return err
				}
				failedThisRun[envelope.ID] = true
				failed++
			} else {
				processed++
			}

			if _, err := tx.ExecContext(ctx, "RELEASE "+savepoint); err != nil {
				return fmt.Errorf("releasing savepoint: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	p.logger.Debug("processed envelope batch", "stored", processed, "failed", failed)
	return processed, failed, nil
}

// processEnvelope decrypts one envelope and stores the interaction inside
// the batch transaction. Any error leaves the envelope unprocessed.
func (p *BatchProcessor) processEnvelope(ctx context.Context, tx *sql.Tx, envelope *storage.Envelope) error {
	msg, err := p.decryptor.Decrypt(ctx, envelope)
	if err != nil {
		return fmt.Errorf("decrypting: %w", err)
	}

	now := p.now().UTC()
	interaction := &storage.Interaction{
		ID:        uuid.New().String(),
		ThreadID:  msg.ThreadID,
		Direction: storage.DirectionIncoming,
		State:     storage.StateReceived,
		Kind:      msg.Kind,
		Body:      msg.Body,
		Timestamp: msg.Timestamp,
	}
	if interaction.Kind == "" {
		interaction.Kind = storage.KindMessage
	}
	if msg.ExpiresIn > 0 {
		expiresAt := now.Add(msg.ExpiresIn)
		interaction.ExpiresAt = &expiresAt
	}

	if err := p.db.SaveInteraction(ctx, tx, interaction); err != nil {
		return err
	}

	// Bump the thread's recency, creating the thread on first contact.
	thread, err := p.db.Thread(ctx, tx, msg.ThreadID)
	if errors.Is(err, storage.ErrNotFound) {
		thread = &storage.Thread{ID: msg.ThreadID, Name: envelope.Source}
	} else if err != nil {
		return err
	}
	if msg.Timestamp.After(thread.LastActivityAt) {
		thread.LastActivityAt = msg.Timestamp
	}
	if err := p.db.SaveThread(ctx, tx, thread); err != nil {
		return err
	}

	envelope.Processed = true
	envelope.LastError = ""
	return p.db.SaveEnvelope(ctx, tx, envelope)
}
