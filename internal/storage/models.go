package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Upload is a registry entry for an image pushed through /v1/uploads. The id
// is the vendor's file id.
type Upload struct {
	ID           string
	URL          string
	Filename     string
	MimeType     string
	SizeBytes    int
	UploadTaskID string
	CreatedAt    time.Time
}

// SessionRecord is the audit trail of one upstream chat.
type SessionRecord struct {
	ID          string
	Model       string
	State       string // "in_use", "closed"
	CreatedAt   time.Time
	ClosedAt    time.Time // zero while open
	DeleteError string
}
