package es

import (
	"fmt"
	"time"
)

// Record is the unit of storage. It wraps a serialized event payload with
// the bookkeeping a store needs to replay, deduplicate and audit it.
type Record struct {
	// ID is the unique identifier of this record. Stores that support
	// idempotent publishes use it as the deduplication key.
	ID string `json:"id"`
	// Type is the event type name used for deserialization routing.
	Type string `json:"type"`
	// ContentType names the serialization format of Data and Metadata.
	ContentType string `json:"content_type"`
	// Version is the 0-based position of the record within its stream.
	Version Version `json:"version"`
	// OccurredAt is when the event was recorded by the producer.
	OccurredAt time.Time `json:"occurred_at"`
	// Data is the serialized event payload.
	Data []byte `json:"data"`
	// Metadata is the serialized provenance map, see Metadata.
	Metadata []byte `json:"metadata,omitempty"`
}

func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id is empty")
	}
	if r.Type == "" {
		return fmt.Errorf("record type is empty")
	}
	if r.ContentType == "" {
		return fmt.Errorf("record content type is empty")
	}
	if r.Version < 0 {
		return fmt.Errorf("record version %d is negative", r.Version)
	}
	if r.OccurredAt.IsZero() {
		return fmt.Errorf("record occurred at is zero")
	}
	return nil
}

// Slice is one page of a stream read.
type Slice struct {
	// Records holds the page in read order: oldest first on forward reads,
	// newest first on backward reads.
	Records []Record
	// NextVersion is where the following forward read continues.
	NextVersion Version
	// LastVersion is the version of the newest record the stream held at
	// read time.
	LastVersion Version
	// IsEndOfStream reports that no records exist past this page.
	IsEndOfStream bool
}

// Position locates a committed append within the whole store, not just one
// stream. Stores without a prepare/commit distinction set both to the same
// value.
type Position struct {
	Prepare uint64 `json:"prepare"`
	Commit  uint64 `json:"commit"`
}

// AppendResult reports the outcome of a successful conditional append.
type AppendResult struct {
	// NextExpectedVersion is the version of the last appended record and
	// the expected version of the next append to the same stream.
	NextExpectedVersion Version
	// Position is where the append landed in the store.
	Position Position
}
