// Package gateway talks to the external messaging provider. Calls never
// retry and never return Go errors: every outcome is a Result.
package gateway

import "context"

// Result of one send call.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func ok() Result { return Result{OK: true} }

func failed(msg string) Result { return Result{Error: msg} }

// Media is either an inline payload (Data) or a remote reference (URL).
type Media struct {
	Data     []byte
	MimeType string
	FileName string
	URL      string
}

// Inline reports whether the media carries its own bytes.
func (m Media) Inline() bool { return len(m.Data) > 0 }

// Client is the send capability the dispatch driver depends on.
type Client interface {
	SendText(ctx context.Context, phone, text string) Result
	SendMedia(ctx context.Context, phone string, media Media, caption string) Result
}
