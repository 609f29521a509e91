package model

import (
	"strings"
	"time"
)

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchPaused     BatchStatus = "paused"
	BatchCompleted  BatchStatus = "completed"
	BatchCancelled  BatchStatus = "cancelled"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) Valid() bool {
	switch s {
	case BatchPending, BatchProcessing, BatchPaused, BatchCompleted, BatchCancelled:
		return true
	}
	return false
}

// Active reports whether a driver may claim work for a batch in this status.
func (s BatchStatus) Active() bool {
	return s == BatchPending || s == BatchProcessing
}

// Terminal reports whether the status can never change again.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchCancelled
}

// ParseBatchStatus normalizes input. Returns (status, false) when unknown.
func ParseBatchStatus(raw string) (BatchStatus, bool) {
	s := BatchStatus(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// CanTransition reports whether the operator/driver transition from -> to is allowed.
// processing->completed is reserved for the driver.
func CanTransition(from, to BatchStatus) bool {
	switch to {
	case BatchPaused:
		return from == BatchProcessing
	case BatchProcessing:
		return from == BatchPaused
	case BatchCancelled:
		return from == BatchPending || from == BatchProcessing || from == BatchPaused
	case BatchCompleted:
		return from == BatchProcessing
	}
	return false
}

// Subject is the message content shared by every recipient of a batch.
type Subject struct {
	Title    string `db:"title"     json:"title"`
	Excerpt  string `db:"excerpt"   json:"excerpt"`
	Body     string `db:"body"      json:"body"`
	ImageURL string `db:"image_url" json:"image_url,omitempty"`
	LinkURL  string `db:"link_url"  json:"link_url,omitempty"`
}

func (s Subject) HasImage() bool { return strings.TrimSpace(s.ImageURL) != "" }

// Batch is the DB entity persisted in dispatch_batches.
type Batch struct {
	ID string `db:"id" json:"id"`
	Subject

	TotalCount  int `db:"total_count"  json:"total_count"`
	SentCount   int `db:"sent_count"   json:"sent_count"`
	FailedCount int `db:"failed_count" json:"failed_count"`

	DelayMin int `db:"delay_min" json:"delay_min"` // seconds, inclusive
	DelayMax int `db:"delay_max" json:"delay_max"` // seconds, inclusive

	Status    BatchStatus `db:"status"      json:"status"`
	NextRunAt *time.Time  `db:"next_run_at" json:"next_run_at,omitempty"`

	CreatedBy   string     `db:"created_by"   json:"created_by,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Progress is the operator-facing view of a batch.
type Progress struct {
	BatchID    string      `json:"batch_id"`
	Total      int         `json:"total"`
	Sent       int         `json:"sent"`
	Failed     int         `json:"failed"`
	Pending    int         `json:"pending"`
	Percentage int         `json:"percentage"`
	Status     BatchStatus `json:"status"`
}

// Percentage returns round(100*done/total), 0 when total is 0.
func Percentage(done, total int) int {
	if total <= 0 {
		return 0
	}
	return (200*done + total) / (2 * total)
}
