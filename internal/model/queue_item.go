package model

import "time"

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemSent       ItemStatus = "sent"
	ItemFailed     ItemStatus = "failed"
)

func (s ItemStatus) String() string { return string(s) }

func (s ItemStatus) Valid() bool {
	return s == ItemPending || s == ItemProcessing || s == ItemSent || s == ItemFailed
}

func (s ItemStatus) Terminal() bool { return s == ItemSent || s == ItemFailed }

// QueueItem is one recipient's send task, persisted in dispatch_queue_items.
type QueueItem struct {
	ID             int64      `db:"id"              json:"id"`
	BatchID        string     `db:"batch_id"        json:"batch_id"`
	RecipientID    int64      `db:"recipient_id"    json:"recipient_id"`
	RecipientName  string     `db:"recipient_name"  json:"recipient_name"`
	RecipientPhone string     `db:"recipient_phone" json:"recipient_phone"`
	Status         ItemStatus `db:"status"          json:"status"`
	ErrorMessage   *string    `db:"error_message"   json:"error_message,omitempty"`
	ClaimedAt      *time.Time `db:"claimed_at"      json:"claimed_at,omitempty"`
	SentAt         *time.Time `db:"sent_at"         json:"sent_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"      json:"updated_at"`
}

// ItemCounts aggregates queue items of one batch by status.
type ItemCounts struct {
	Pending    int `db:"pending"`
	Processing int `db:"processing"`
	Sent       int `db:"sent"`
	Failed     int `db:"failed"`
}

// Open is the number of items not yet in a terminal state.
func (c ItemCounts) Open() int { return c.Pending + c.Processing }

// ItemFilter narrows the per-item log of a batch.
type ItemFilter struct {
	Status ItemStatus
	Limit  int
	Offset int
}
