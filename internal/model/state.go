package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateProvenance records which signal most recently contributed to a state
// snapshot, for audit traversal back into the signal log.
type StateProvenance struct {
	LastSignalID        string `json:"last_signal_id"`
	LastSignalTimestamp string `json:"last_signal_timestamp"`
}

// LearnerState is one immutable version of a learner's derived state.
// Versions are never mutated in place: each apply writes a new row with
// state_version incremented by exactly one.
type LearnerState struct {
	OrgID            string          `json:"org_id"`
	LearnerReference string          `json:"learner_reference"`
	StateID          string          `json:"state_id"`
	StateVersion     int64           `json:"state_version"`
	UpdatedAt        time.Time       `json:"updated_at"`
	State            json.RawMessage `json:"state"`
	Provenance       StateProvenance `json:"provenance"`
}

// StateID derives the deterministic identifier for a state version.
func StateID(orgID, learnerReference string, version int64) string {
	return fmt.Sprintf("%s:%s:v%d", orgID, learnerReference, version)
}

// AppliedSignal marks a signal as folded into a learner's state. The triple
// (org, learner, signal) is unique for all time: replays become no-ops.
type AppliedSignal struct {
	OrgID            string
	LearnerReference string
	SignalID         string
	StateVersion     int64
	AppliedAt        time.Time
}

// ApplySignalsRequest asks the state engine to fold a set of accepted
// signals into a learner's state.
type ApplySignalsRequest struct {
	OrgID            string    `json:"org_id"`
	LearnerReference string    `json:"learner_reference"`
	SignalIDs        []string  `json:"signal_ids"`
	RequestedAt      time.Time `json:"requested_at"`
}

// ApplyResult describes a successful apply. AppliedSignalIDs lists only the
// signals actually folded this call, in canonical order; a fully replayed
// request yields an empty list and the unchanged head version.
type ApplyResult struct {
	OrgID            string          `json:"org_id"`
	LearnerReference string          `json:"learner_reference"`
	StateID          string          `json:"state_id"`
	NewStateVersion  int64           `json:"new_state_version"`
	AppliedSignalIDs []string        `json:"applied_signal_ids"`
	State            json.RawMessage `json:"state"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ApplyOutcome is a discriminated result: OK with a Result, or a rejection
// carrying one or more ErrorDetails. Rejections are values, not Go errors.
type ApplyOutcome struct {
	OK     bool          `json:"ok"`
	Result *ApplyResult  `json:"result,omitempty"`
	Errors []ErrorDetail `json:"errors,omitempty"`
}

// RejectApply builds a failed ApplyOutcome.
func RejectApply(errs ...ErrorDetail) ApplyOutcome {
	return ApplyOutcome{OK: false, Errors: errs}
}
