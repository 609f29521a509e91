package model

import "time"

// Totals are the headline counters of the monitor view.
type Totals struct {
	SentToday   int `db:"sent_today"   json:"sent_today"`
	FailedToday int `db:"failed_today" json:"failed_today"`
	Processing  int `db:"processing"   json:"processing"`
	Pending     int `db:"pending"      json:"pending"`
}

// Event is a queue item that reached a terminal state.
type Event struct {
	ItemID        int64      `db:"id"             json:"item_id"`
	BatchID       string     `db:"batch_id"       json:"batch_id"`
	BatchTitle    string     `db:"title"          json:"batch_title"`
	RecipientName string     `db:"recipient_name" json:"recipient_name"`
	Status        ItemStatus `db:"status"         json:"status"`
	Error         *string    `db:"error_message"  json:"error,omitempty"`
	At            time.Time  `db:"updated_at"     json:"at"`
}

// Report is the operator dashboard snapshot.
type Report struct {
	Totals        Totals    `json:"totals"`
	ActiveBatches []Batch   `json:"active_batches"`
	RecentEvents  []Event   `json:"recent_events"`
	GeneratedAt   time.Time `json:"generated_at"`
}
