// Package state implements the deterministic reducer that folds accepted
// signals into monotonically versioned per-learner state snapshots.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/semantic"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/storage"
)

// stateStore is the slice of the storage layer the engine writes through.
// *storage.StateStore satisfies it; tests substitute conflicting writers.
type stateStore interface {
	Head(ctx context.Context, orgID, learnerRef string) (*model.LearnerState, error)
	AppliedSignalIDs(ctx context.Context, orgID, learnerRef string) (map[string]struct{}, error)
	InsertVersion(ctx context.Context, st model.LearnerState, applied []model.AppliedSignal) error
}

// Service is the STATE engine. It is the sole writer of learner state; all
// reads of current state go through it.
type Service struct {
	signals *storage.SignalLog
	store   stateStore
	logger  *slog.Logger
}

// New creates the engine.
func New(signals *storage.SignalLog, store stateStore, logger *slog.Logger) *Service {
	return &Service{signals: signals, store: store, logger: logger}
}

// CurrentState returns the learner's head state, or nil at implicit v0.
func (s *Service) CurrentState(ctx context.Context, orgID, learnerRef string) (*model.LearnerState, error) {
	return s.store.Head(ctx, orgID, learnerRef)
}

// ApplySignals folds the named signals into the learner's state and persists
// a new version. Domain rejections come back as a !OK outcome; the error
// return is reserved for storage failures. Callers must branch on
// outcome.OK, and on error codes rather than messages.
//
// A version conflict with a concurrent writer is retried once from the top
// (re-reading head and the applied set); a second conflict rejects with
// state_version_conflict.
func (s *Service) ApplySignals(ctx context.Context, req model.ApplySignalsRequest) (model.ApplyOutcome, error) {
	if errs := validateApplyRequest(req); len(errs) > 0 {
		return model.RejectApply(errs...), nil
	}

	records, rejections, err := s.signals.GetByIDs(ctx, req.OrgID, req.SignalIDs)
	if err != nil {
		return model.ApplyOutcome{}, fmt.Errorf("state: fetch signals: %w", err)
	}
	if len(rejections) > 0 {
		// Tenant-scope or existence failure anywhere in the batch rejects
		// the whole batch; nothing is partially applied.
		return model.RejectApply(rejections...), nil
	}

	// GetByIDs returns canonical order already; keep the sort as the
	// authoritative statement of the application order.
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].AcceptedAt.Equal(records[j].AcceptedAt) {
			return records[i].AcceptedAt.Before(records[j].AcceptedAt)
		}
		return records[i].Seq < records[j].Seq
	})

	for attempt := 0; attempt < 2; attempt++ {
		outcome, err := s.applyOnce(ctx, req, records)
		if errors.Is(err, storage.ErrStateVersionConflict) {
			s.logger.Warn("state version conflict, retrying",
				"org_id", req.OrgID, "learner_reference", req.LearnerReference, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return model.ApplyOutcome{}, err
		}
		return outcome, nil
	}

	return model.RejectApply(model.Detail(
		model.ErrCodeStateVersionConflict,
		"concurrent state update won twice; retry the request",
		"",
	)), nil
}

// applyOnce runs one full pass of the reducer. It returns
// storage.ErrStateVersionConflict when a concurrent writer commits the
// contended version first.
func (s *Service) applyOnce(ctx context.Context, req model.ApplySignalsRequest, records []model.SignalRecord) (model.ApplyOutcome, error) {
	head, err := s.store.Head(ctx, req.OrgID, req.LearnerReference)
	if err != nil {
		return model.ApplyOutcome{}, fmt.Errorf("state: read head: %w", err)
	}

	applied, err := s.store.AppliedSignalIDs(ctx, req.OrgID, req.LearnerReference)
	if err != nil {
		return model.ApplyOutcome{}, fmt.Errorf("state: read applied set: %w", err)
	}

	remaining := records[:0:0]
	for _, rec := range records {
		if _, done := applied[rec.SignalID]; !done {
			remaining = append(remaining, rec)
		}
	}

	priorVersion := int64(0)
	current := map[string]any{}
	if head != nil {
		priorVersion = head.StateVersion
		if err := json.Unmarshal(head.State, &current); err != nil {
			return model.ApplyOutcome{}, fmt.Errorf("state: decode stored state: %w", err)
		}
	}

	// Idempotent replay: everything already applied is a no-op success at
	// the unchanged head version.
	if len(remaining) == 0 {
		result := &model.ApplyResult{
			OrgID:            req.OrgID,
			LearnerReference: req.LearnerReference,
			StateID:          model.StateID(req.OrgID, req.LearnerReference, priorVersion),
			NewStateVersion:  priorVersion,
			AppliedSignalIDs: []string{},
			State:            json.RawMessage(`{}`),
		}
		if head != nil {
			result.State = head.State
			result.UpdatedAt = head.UpdatedAt
		}
		return model.ApplyOutcome{OK: true, Result: result}, nil
	}

	for _, rec := range remaining {
		var payload map[string]any
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return model.ApplyOutcome{}, fmt.Errorf("state: decode payload %s: %w", rec.SignalID, err)
		}
		current = deepMerge(current, payload)
	}

	// Marshaling sorts object keys, so the scan below and the stored bytes
	// are both deterministic for a given merged state.
	stateJSON, err := json.Marshal(current)
	if err != nil {
		return model.ApplyOutcome{}, fmt.Errorf("state: encode state: %w", err)
	}

	if hit, err := semantic.Scan(stateJSON, "state"); err != nil {
		return model.ApplyOutcome{}, err
	} else if hit != nil {
		return model.RejectApply(model.Detail(
			model.ErrCodeForbiddenSemanticKey,
			fmt.Sprintf("forbidden key %q in derived state", hit.Key),
			hit.Path,
		)), nil
	}

	if !strings.HasPrefix(strings.TrimSpace(string(stateJSON)), "{") {
		return model.RejectApply(model.Detail(
			model.ErrCodeStatePayloadNotObject,
			"derived state must be a JSON object",
			"state",
		)), nil
	}

	newVersion := priorVersion + 1
	updatedAt := req.RequestedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	last := remaining[len(remaining)-1]

	newState := model.LearnerState{
		OrgID:            req.OrgID,
		LearnerReference: req.LearnerReference,
		StateID:          model.StateID(req.OrgID, req.LearnerReference, newVersion),
		StateVersion:     newVersion,
		UpdatedAt:        updatedAt,
		State:            stateJSON,
		Provenance: model.StateProvenance{
			LastSignalID:        last.SignalID,
			LastSignalTimestamp: last.Timestamp,
		},
	}

	appliedRows := make([]model.AppliedSignal, 0, len(remaining))
	appliedIDs := make([]string, 0, len(remaining))
	for _, rec := range remaining {
		appliedRows = append(appliedRows, model.AppliedSignal{
			OrgID:            req.OrgID,
			LearnerReference: req.LearnerReference,
			SignalID:         rec.SignalID,
			StateVersion:     newVersion,
			AppliedAt:        updatedAt,
		})
		appliedIDs = append(appliedIDs, rec.SignalID)
	}

	if err := s.store.InsertVersion(ctx, newState, appliedRows); err != nil {
		return model.ApplyOutcome{}, err
	}

	return model.ApplyOutcome{OK: true, Result: &model.ApplyResult{
		OrgID:            req.OrgID,
		LearnerReference: req.LearnerReference,
		StateID:          newState.StateID,
		NewStateVersion:  newVersion,
		AppliedSignalIDs: appliedIDs,
		State:            stateJSON,
		UpdatedAt:        updatedAt,
	}}, nil
}

func validateApplyRequest(req model.ApplySignalsRequest) []model.ErrorDetail {
	var errs []model.ErrorDetail
	if strings.TrimSpace(req.OrgID) == "" {
		errs = append(errs, model.Detail(model.ErrCodeOrgScopeRequired, "org_id must be non-blank", "org_id"))
	}
	if strings.TrimSpace(req.LearnerReference) == "" {
		errs = append(errs, model.Detail(model.ErrCodeMissingRequiredField, "learner_reference must be non-blank", "learner_reference"))
	}
	if len(req.SignalIDs) == 0 {
		errs = append(errs, model.Detail(model.ErrCodeMissingRequiredField, "signal_ids must be non-empty", "signal_ids"))
	}
	return errs
}
