package model

import (
	"fmt"
	"sort"
	"time"
)

// UploadSessionStatus tracks the lifecycle of a chunked transfer.
type UploadSessionStatus string

const (
	UploadSessionOpen      UploadSessionStatus = "open"
	UploadSessionCompleted UploadSessionStatus = "completed"
	UploadSessionAborted   UploadSessionStatus = "aborted"
)

// PartDescriptor is one acknowledged part of a chunked transfer.
type PartDescriptor struct {
	Number int    `json:"part_number"`
	Tag    string `json:"part_tag"`
	Size   int64  `json:"size"`
}

// ObjectRef points at a committed object.
type ObjectRef struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ETag        string `json:"etag,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// AssetUploadSession tracks one chunked transfer against a backend.
type AssetUploadSession struct {
	ID           string              `json:"id"`
	Backend      string              `json:"backend"`
	ObjectKey    string              `json:"object_key"`
	SessionToken string              `json:"session_token"`
	TotalSize    int64               `json:"total_size"`
	ChunkSize    int64               `json:"chunk_size"`
	ContentType  string              `json:"content_type"`
	Parts        []PartDescriptor    `json:"parts"`
	Status       UploadSessionStatus `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// PartCount returns ceil(total/chunk). A zero byte source has no parts.
func PartCount(total, chunk int64) int {
	if total <= 0 || chunk <= 0 {
		return 0
	}
	return int((total + chunk - 1) / chunk)
}

// PartRange returns the byte offset and length of a 1-indexed part.
func PartRange(partNumber int, total, chunk int64) (int64, int64) {
	offset := int64(partNumber-1) * chunk
	size := chunk
	if offset+size > total {
		size = total - offset
	}
	return offset, size
}

// Committed reports whether the given part number has been acknowledged.
func (s *AssetUploadSession) Committed(partNumber int) bool {
	for _, p := range s.Parts {
		if p.Number == partNumber {
			return true
		}
	}
	return false
}

// SortedParts returns a copy of the parts ordered by part number.
func SortedParts(parts []PartDescriptor) []PartDescriptor {
	out := make([]PartDescriptor, len(parts))
	copy(out, parts)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// ValidateCompleteParts enforces the completion contract: parts listed in
// ascending order, numbered 1..K with no gaps or duplicates.
func ValidateCompleteParts(parts []PartDescriptor) error {
	if len(parts) == 0 {
		return fmt.Errorf("no parts to complete")
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].Number <= parts[i-1].Number {
			return fmt.Errorf("part %d listed out of order after part %d", parts[i].Number, parts[i-1].Number)
		}
	}
	for i, p := range parts {
		if p.Number != i+1 {
			return fmt.Errorf("missing part %d", i+1)
		}
	}
	return nil
}
