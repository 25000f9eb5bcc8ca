// Package tasks defines the messages exchanged over Kafka.
package tasks

import "time"

// FileReadyTask is published once an upload has been assembled, verified and committed.
type FileReadyTask struct {
	FileID      string    `json:"file_id"`
	OwnerID     uint      `json:"owner_id"`
	FileName    string    `json:"file_name"`
	StorageKey  string    `json:"storage_key"`
	TotalSize   int64     `json:"total_size"`
	Checksum    string    `json:"checksum"`
	CompletedAt time.Time `json:"completed_at"`
}
