package models

import "time"

const (
	UploadStatusActive   = "active"
	UploadStatusConsumed = "consumed"
)

// Upload represents a client-uploaded source document (journal entry or article brief).
type Upload struct {
	ID         int64     `json:"id"`
	ClientID   int64     `json:"client_id"`
	RunID      string    `json:"run_id,omitempty"`
	FileName   string    `json:"file_name"`
	StoredPath string    `json:"-"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
