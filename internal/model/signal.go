// Package model defines the wire types shared by the ingestion pipeline,
// the state engine, the decision engine, and the HTTP surface.
package model

import (
	"encoding/json"
	"time"
)

// SignalMetadata carries optional request correlation identifiers.
type SignalMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// SignalEnvelope is the structural wrapper every inbound signal must carry.
// The payload is opaque JSON: the control layer validates its shape (object,
// no forbidden keys) but never interprets its contents.
type SignalEnvelope struct {
	OrgID            string          `json:"org_id"`
	SignalID         string          `json:"signal_id"`
	SourceSystem     string          `json:"source_system"`
	LearnerReference string          `json:"learner_reference"`
	Timestamp        string          `json:"timestamp"`
	SchemaVersion    string          `json:"schema_version"`
	Payload          json.RawMessage `json:"payload"`
	Metadata         *SignalMetadata `json:"metadata,omitempty"`
}

// SignalRecord is an accepted envelope as persisted in the append-only log.
// All envelope fields round-trip byte-for-byte; accepted_at is assigned by
// the server and drives canonical ordering.
type SignalRecord struct {
	SignalEnvelope
	AcceptedAt time.Time `json:"accepted_at"`

	// Seq is the log's internal insertion counter. It breaks accepted_at
	// ties and backs page tokens; it is never exposed to clients directly.
	Seq int64 `json:"-"`
}

// IngestStatus is the outcome class of a signal submission.
type IngestStatus string

const (
	IngestAccepted  IngestStatus = "accepted"
	IngestDuplicate IngestStatus = "duplicate"
	IngestRejected  IngestStatus = "rejected"
)

// SignalIngestResult is the response body for POST /v1/signals.
type SignalIngestResult struct {
	Status          IngestStatus `json:"status"`
	ReceivedAt      *time.Time   `json:"received_at,omitempty"`
	RejectionReason *ErrorDetail `json:"rejection_reason,omitempty"`
}

// SignalLogReadResponse is the paginated response for GET /v1/signals.
type SignalLogReadResponse struct {
	Signals       []SignalRecord `json:"signals"`
	NextPageToken *string        `json:"next_page_token"`
}
