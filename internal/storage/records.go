// ABOUTME: Record types persisted in the primary key-value store
// ABOUTME: Defines Thread, Interaction, AttachmentPointer, Envelope and Device records

package storage

import (
	"fmt"
	"time"
)

// Collection names for the primary record store. Every record lives in
// exactly one collection and is addressed by (collection, key).
const (
	CollectionThread       = "thread"
	CollectionInteraction  = "interaction"
	CollectionAttachment   = "attachment"
	CollectionEnvelope     = "envelope"
	CollectionDevice       = "device"
	CollectionSeenEnvelope = "seen_envelope"
)

// InteractionDirection indicates whether an interaction was sent or received
type InteractionDirection string

const (
	DirectionOutgoing InteractionDirection = "outgoing"
	DirectionIncoming InteractionDirection = "incoming"
)

// InteractionState tracks the delivery lifecycle of an interaction
type InteractionState string

const (
	// Outgoing states
	StateSending       InteractionState = "sending"
	StateAttemptingOut InteractionState = "attempting_out"
	StateSent          InteractionState = "sent"
	StateFailed        InteractionState = "failed"

	// Incoming state
	StateReceived InteractionState = "received"
)

// InteractionKind categorizes interactions. Anything other than a plain
// message is surfaced through the special-messages view.
const (
	KindMessage            = "message"
	KindCall               = "call"
	KindGroupUpdate        = "group_update"
	KindVerificationChange = "verification_change"
)

// Thread represents a conversation thread
type Thread struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
}

// Interaction represents a stored message record belonging to a Thread.
// Incoming interactions are constructed from decrypted envelopes; outgoing
// interactions move through sending/attempting_out before reaching a
// terminal sent or failed state.
type Interaction struct {
	ID           string               `json:"id"`
	ThreadID     string               `json:"thread_id"`
	Direction    InteractionDirection `json:"direction"`
	State        InteractionState     `json:"state"`
	Kind         string               `json:"kind"`
	Body         string               `json:"body"`
	Timestamp    time.Time            `json:"timestamp"`
	Seen         bool                 `json:"seen"`
	AttachmentID string               `json:"attachment_id,omitempty"`

	// Disappearing-message fields. ExpiresAt is set when the expiry
	// countdown starts; interactions with a non-nil ExpiresAt are tracked
	// by the expiring-interactions index.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the interaction's expiry deadline has passed.
func (i *Interaction) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// AttachmentState tracks the download lifecycle of an attachment pointer
type AttachmentState string

const (
	AttachmentPending     AttachmentState = "pending"
	AttachmentDownloading AttachmentState = "downloading"
	AttachmentFailed      AttachmentState = "failed"
	AttachmentDownloaded  AttachmentState = "downloaded"
)

// AttachmentPointer references attachment content that is fetched
// separately from the interaction that carries it.
type AttachmentPointer struct {
	ID            string          `json:"id"`
	InteractionID string          `json:"interaction_id"`
	ContentType   string          `json:"content_type"`
	State         AttachmentState `json:"state"`
	Digest        string          `json:"digest,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Envelope is an encrypted message unit as received from the network,
// queued until the batch processor decrypts and stores it as an Interaction.
type Envelope struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
	Ciphertext []byte    `json:"ciphertext"`
	Processed  bool      `json:"processed"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
}

// EnvelopeKey builds the canonical de-duplication key for an envelope.
// Two envelopes from the same source with the same sender timestamp are
// the same logical message.
func EnvelopeKey(source string, timestamp time.Time) string {
	return fmt.Sprintf("%s:%d", source, timestamp.UnixMilli())
}

// SeenEnvelope is the durable marker recorded when an envelope id has been
// accepted for processing. Its presence is what the incoming-message finder
// tests against.
type SeenEnvelope struct {
	Key        string    `json:"key"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Device represents a linked device for the local account
type Device struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	LinkedAt   time.Time `json:"linked_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
