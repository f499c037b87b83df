// ABOUTME: Concrete extension definitions for conversation rendering and maintenance jobs
// ABOUTME: Sync extensions cover the initial render; async extensions cover everything else

package storage

import (
	"encoding/json"
)

// Extension names. Query helpers and jobs refer to extensions by these.
const (
	ExtThreadRecency        = "thread_recency"
	ExtThreadInteractions   = "thread_interactions"
	ExtUnreadCount          = "unread_count"
	ExtInteractionTimestamp = "interaction_timestamp"

	ExtUnseenInteractions  = "unseen_interactions"
	ExtOutgoingByThread    = "outgoing_by_thread"
	ExtSpecialMessages     = "special_messages"
	ExtDeviceList          = "device_list"
	ExtEnvelopeDedup       = "envelope_dedup"
	ExtExpiringInteraction = "expiring_interactions"
	ExtFailedInteractions  = "failed_interactions"
	ExtPendingAttachments  = "pending_attachments"
	ExtInteractionBody     = "interaction_body"
)

// groupAll is the single group used by views that do not partition records
const groupAll = "all"

func decodeInteraction(data []byte) (*Interaction, bool) {
	var in Interaction
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, false
	}
	return &in, true
}

// SyncExtensions returns the minimal extension set required to render
// conversation lists and threads. These register synchronously during
// startup, before any dependent transaction runs.
func SyncExtensions() []*Extension {
	return []*Extension{
		ThreadRecencyView(),
		ThreadInteractionsView(),
		UnreadCountIndex(),
		InteractionTimestampIndex(),
	}
}

// AsyncExtensions returns every extension not needed for the initial
// render, including the indexes owned by the maintenance jobs.
func AsyncExtensions() []*Extension {
	return []*Extension{
		UnseenInteractionsView(),
		OutgoingByThreadView(),
		SpecialMessagesView(),
		DeviceListView(),
		EnvelopeDedupIndex(),
		ExpiringInteractionsIndex(),
		FailedInteractionsIndex(),
		PendingAttachmentsIndex(),
		InteractionBodyIndex(),
	}
}

// ThreadRecencyView orders threads by most recent activity
func ThreadRecencyView() *Extension {
	return &Extension{
		Name: ExtThreadRecency,
		Mode: ModeSync,
		Kind: KindGroupedView,
		View: &ViewDefinition{
			Collections: []string{CollectionThread},
			Group: func(_, _ string, data []byte) (string, bool) {
				var t Thread
				if err := json.Unmarshal(data, &t); err != nil {
					return "", false
				}
				if t.ArchivedAt != nil {
					return "", false
				}
				return groupAll, true
			},
			SortKey: func(_, _ string, data []byte) int64 {
				var t Thread
				if err := json.Unmarshal(data, &t); err != nil {
					return 0
				}
				// Negated so ascending sort_key yields newest first.
				return -t.LastActivityAt.UnixMilli()
			},
		},
	}
}

// ThreadInteractionsView groups interactions by thread, sorted by timestamp
func ThreadInteractionsView() *Extension {
	return &Extension{
		Name: ExtThreadInteractions,
		Mode: ModeSync,
		Kind: KindGroupedView,
		View: &ViewDefinition{
			Collections: []string{CollectionInteraction},
			Group: func(_, _ string, data []byte) (string, bool) {
				in, ok := decodeInteraction(data)
				if !ok {
					return "", false
				}
				return in.ThreadID, true
			},
			SortKey: interactionTimestampKey,
		},
	}
}

// UnreadCountIndex tracks unseen incoming interactions per thread
func UnreadCountIndex() *Extension {
	return &Extension{
		Name: ExtUnreadCount,
		Mode: ModeSync,
		Kind: KindSecondaryIndex,
		Index: &IndexDefinition{
			Collections: []string{CollectionInteraction},
			Columns:     []IndexColumn{{Name: "thread_id", Type: "TEXT"}},
			Extract: func(_, _ string, data []byte) (map[string]any, bool) {
				in, ok := decodeInteraction(data)
				if !ok || in.Direction != DirectionIncoming || in.Seen {
					return nil, false
				}
				return map[string]any{"thread_id": in.ThreadID}, true
			},
		},
	}
}

// InteractionTimestampIndex is a secondary timestamp index over all
// interactions, used for timestamp-based lookups from the network layer.
func InteractionTimestampIndex() *Extension {
	return &Extension{
		Name: ExtInteractionTimestamp,
		Mode: ModeSync,
		Kind: KindSecondaryIndex,
		Index: &IndexDefinition{
			Collections: []string{CollectionInteraction},
			Columns:     []IndexColumn{{Name: "ts", Type: "INTEGER"}},
			Extract: func(_, _ string, data []byte) (map[string]any, bool) {
				in, ok := decodeInteraction(data)
				if !ok {
					return nil, false
				}
				return map[string]any{"ts": in.Timestamp.UnixMilli()}, true
			},
		},
	}
}

// UnseenInteractionsView lists unseen incoming interactions per thread
func UnseenInteractionsView() *Extension {
	return &Extension{
		Name: ExtUnseenInteractions,
		Mode: ModeAsync,
		Kind: KindGroupedView,
		View: &ViewDefinition{
			Collections: []string{CollectionInteraction},
			Group: func(_, _ string, data []byte) (string, bool) {
				in, ok := decodeInteraction(data)
				if !ok || in.Direction != DirectionIncoming || in.Seen {
					return "", false
				}
				return in.ThreadID, true
			},
			SortKey: interactionTimestampKey,
		},
	}
}

// OutgoingByThreadView lists outgoing interactions per thread
func OutgoingByThreadView() *Extension {
	return &Extension{
		Name: ExtOutgoingByThread,
		Mode: ModeAsync,
		Kind: KindGroupedView,
		View: &ViewDefinition{
			Collections: []string{CollectionInteraction},
			Group: func(_, _ string, data []byte) (string, bool) {
				in, ok := decodeInteraction(data)
				if !ok || in.Direction != DirectionOutgoing {
					return "", false
				}
				return in.ThreadID, true
			},
			SortKey: interactionTimestampKey,
		},
	}
}

// SpecialMessagesView lists non-message interactions (calls, group
// updates, verification changes) per thread.
func SpecialMessagesView() *Extension {
	return &Extension{
		Name: ExtSpecialMessages,
		Mode: ModeAsync,
		Kind: KindGroupedView,
		View: &ViewDefinition{
			Collections: []string{CollectionInteraction},
			Group: func(_, _ string, data []byte) (string, bool) {
				in, ok := decodeInteraction(data)
				if !ok || in.Kind == "" || in.Kind == KindMessage {
					return "", false
				}
				return in.ThreadID, true
			},
			SortKey: interactionTimestampKey,
		},
	}
}

// DeviceListView lists linked devices ordered by link time
func DeviceListView() *Extension {
	return &Extension{
		Name: ExtDeviceList,
		Mode: ModeAsync,
		Kind: KindGroupedView,
		View: &ViewDefinition{
			Collections: []string{CollectionDevice},
			Group: func(_, _ string, _ []byte) (string, bool) {
				return groupAll, true
			},
			SortKey: func(_, _ string, data []byte) int64 {
				var dev Device
				if err := json.Unmarshal(data, &dev); err != nil {
					return 0
				}
				return dev.LinkedAt.UnixMilli()
			},
		},
	}
}

// EnvelopeDedupIndex indexes seen-envelope markers by source and sender
// timestamp. Owned by the incoming-message finder.
func EnvelopeDedupIndex() *Extension {
	return &Extension{
		Name: ExtEnvelopeDedup,
		Mode: ModeAsync,
		Kind: KindSecondaryIndex,
		Index: &IndexDefinition{
			Collections: []string{CollectionSeenEnvelope},
			Columns: []IndexColumn{
				{Name: "source", Type: "TEXT"},
				{Name: "ts", Type: "INTEGER"},
			},
			Extract: func(_, _ string, data []byte) (map[string]any, bool) {
				var seen SeenEnvelope
				if err := json.Unmarshal(data, &seen); err != nil {
					return nil, false
				}
				return map[string]any{
					"source": seen.Source,
					"ts":     seen.Timestamp.UnixMilli(),
				}, true
			},
		},
	}
}

// ExpiringInteractionsIndex indexes interactions with an expiry deadline,
// sorted by when they expire. Owned by the disappearing-messages finder.
func ExpiringInteractionsIndex() *Extension {
	return &Extension{
		Name: ExtExpiringInteraction,
		Mode: ModeAsync,
		Kind: KindSecondaryIndex,
		Index: &IndexDefinition{
			Collections: []string{CollectionInteraction},
			Columns:     []IndexColumn{{Name: "expires_at", Type: "INTEGER"}},
			Extract: func(_, _ string, data []byte) (map[string]any, bool) {
				in, ok := decodeInteraction(data)
				if !ok || in.ExpiresAt == nil {
					return nil, false
				}
				return map[string]any{"expires_at": in.ExpiresAt.UnixMilli()}, true
			},
		},
	}
}

// FailedInteractionsIndex indexes outgoing interactions by delivery state
// and timestamp. Owned by the failed-messages job, which scans for
// interactions stuck in a transient state from before process start.
func FailedInteractionsIndex() *Extension {
	return &Extension{
		Name: ExtFailedInteractions,
		Mode: ModeAsync,
		Kind: KindSecondaryIndex,
		Index: &IndexDefinition{
			Collections: []string{CollectionInteraction},
			Columns: []IndexColumn{
				{Name: "state", Type: "TEXT"},
				{Name: "ts", Type: "INTEGER"},
			},
			Extract: func(_, _ string, data []byte) (map[string]any, bool) {
				in, ok := decodeInteraction(data)
				if !ok || in.Direction != DirectionOutgoing {
					return nil, false
				}
				return map[string]any{
					"state": string(in.State),
					"ts":    in.Timestamp.UnixMilli(),
				}, true
			},
		},
	}
}

// PendingAttachmentsIndex indexes attachment pointers that have not
// finished downloading. Owned by the failed-attachments job.
func PendingAttachmentsIndex() *Extension {
	return &Extension{
		Name: ExtPendingAttachments,
		Mode: ModeAsync,
		Kind: KindSecondaryIndex,
		Index: &IndexDefinition{
			Collections: []string{CollectionAttachment},
			Columns: []IndexColumn{
				{Name: "state", Type: "TEXT"},
				{Name: "created", Type: "INTEGER"},
			},
			Extract: func(_, _ string, data []byte) (map[string]any, bool) {
				var a AttachmentPointer
				if err := json.Unmarshal(data, &a); err != nil {
					return nil, false
				}
				if a.State == AttachmentDownloaded {
					return nil, false
				}
				return map[string]any{
					"state":   string(a.State),
					"created": a.CreatedAt.UnixMilli(),
				}, true
			},
		},
	}
}

// InteractionBodyIndex is a full-text index over interaction bodies
func InteractionBodyIndex() *Extension {
	return &Extension{
		Name: ExtInteractionBody,
		Mode: ModeAsync,
		Kind: KindFullTextIndex,
		FullText: &FullTextDefinition{
			Collections: []string{CollectionInteraction},
			Text: func(_, _ string, data []byte) (string, bool) {
				in, ok := decodeInteraction(data)
				if !ok || in.Body == "" {
					return "", false
				}
				return in.Body, true
			},
		},
	}
}

func interactionTimestampKey(_, _ string, data []byte) int64 {
	in, ok := decodeInteraction(data)
	if !ok {
		return 0
	}
	return in.Timestamp.UnixMilli()
}
