package store

import (
	"encoding/json"

	"github.com/handybridge/relayd/internal/wire"
)

// Message is a stored message: the canonical wire record plus the two
// independent state axes tracked per message, attachment resolution
// (Status/Errors) and destination delivery (Delivery*).
type Message struct {
	ID                string
	TS                int64
	Text              string
	Type              string
	Attachments       []wire.Attachment
	Raw               json.RawMessage
	Status            string // ok, pending, error
	Errors            []wire.AttachmentError
	DeliveryStatus    string
	DeliveryDetail    string
	DeliveryUpdatedAt int64
	RetryCount        int
	CreatedAt         int64
}

// PendingBundle is a bundle message awaiting attachment resolution.
// Attempts counts failed fetch attempts per attachment id.
type PendingBundle struct {
	ID            string
	TS            int64
	Text          string
	Attachments   []wire.Attachment
	Attempts      map[string]int
	Errors        []wire.AttachmentError
	CreatedAt     int64
	LastAttemptAt int64
}

// StatusRecord is the persisted connectivity snapshot. It rides with the
// cycle it describes so a restart picks up where the last cycle left off.
type StatusRecord struct {
	Connected       bool   `json:"connected"`
	LastPollAt      int64  `json:"lastPollAt,omitempty"`
	LastSuccessAt   int64  `json:"lastSuccessAt,omitempty"`
	LastKeepaliveAt int64  `json:"lastKeepaliveAt,omitempty"`
	LastError       string `json:"lastError,omitempty"`
}

// DeliveryUpdate carries the delivery-axis outcome applied to a message.
type DeliveryUpdate struct {
	MessageID string
	Status    string
	Detail    string
	UpdatedAt int64
}

// CycleCommit is one sync cycle's worth of state changes, applied in a
// single transaction so a crash mid-cycle never leaves the window, the
// bundles, the ledger and the cursor disagreeing with each other.
type CycleCommit struct {
	Cursor          string
	HasCursor       bool
	Upserts         []*Message
	Deliveries      []DeliveryUpdate
	DedupedIDs      []string
	PutBundles      []*PendingBundle
	DeleteBundleIDs []string
	Status          *StatusRecord
	MaxMessages     int
	MaxPending      int
	MaxDeduped      int
}

// encodeJSON marshals v for a nullable TEXT column; nil slices and maps
// are stored as NULL so upserts can tell "omitted" from "empty".
func encodeJSON(v any) (any, error) {
	switch t := v.(type) {
	case []wire.Attachment:
		if t == nil {
			return nil, nil
		}
	case []wire.AttachmentError:
		if t == nil {
			return nil, nil
		}
	case map[string]int:
		if t == nil {
			return nil, nil
		}
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		return string(t), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
