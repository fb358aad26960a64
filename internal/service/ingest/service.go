// Package ingest wires the ingestion pipeline: structural validation,
// semantic screening, idempotent acceptance, the append to the signal log,
// and the synchronous state/decision triggering that follows.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/semantic"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/service/decision"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/service/state"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/validate"
)

// idempotencyIndex is the slice of the idempotency store the orchestrator
// needs. *storage.IdempotencyIndex satisfies it.
type idempotencyIndex interface {
	CheckAndStore(ctx context.Context, orgID, signalID string, now time.Time) (bool, time.Time, error)
	Delete(ctx context.Context, orgID, signalID string) error
}

// signalLog is the append side of the log. *storage.SignalLog satisfies it;
// tests substitute failing appenders.
type signalLog interface {
	Append(ctx context.Context, env model.SignalEnvelope, acceptedAt time.Time) (model.SignalRecord, error)
}

// Service orchestrates one signal submission end to end.
type Service struct {
	idempotency idempotencyIndex
	log         signalLog
	states      *state.Service
	decisions   *decision.Service
	logger      *slog.Logger
}

// New creates the orchestrator.
func New(idempotency idempotencyIndex, log signalLog, states *state.Service, decisions *decision.Service, logger *slog.Logger) *Service {
	return &Service{idempotency: idempotency, log: log, states: states, decisions: decisions, logger: logger}
}

// Result is the outcome of one submission, mapped by the HTTP layer onto a
// SignalIngestResult.
type Result struct {
	Status     model.IngestStatus
	ReceivedAt time.Time
	Rejection  *model.ErrorDetail
}

// Ingest processes one raw envelope. Once the append to the signal log has
// succeeded the submission is accepted: state and decision failures after
// that point are logged and never surfaced, and each of those stages is
// idempotent on replay. The error return covers storage failures before
// the append commits.
func (s *Service) Ingest(ctx context.Context, raw []byte) (Result, error) {
	env, verrs := validate.Envelope(raw)
	if len(verrs) > 0 {
		return Result{Status: model.IngestRejected, Rejection: &verrs[0]}, nil
	}

	hit, err := semantic.Scan(env.Payload, "payload")
	if err != nil {
		return Result{}, err
	}
	if hit != nil {
		rejection := model.Detail(
			model.ErrCodeForbiddenSemanticKey,
			fmt.Sprintf("forbidden key %q in payload", hit.Key),
			hit.Path,
		)
		return Result{Status: model.IngestRejected, Rejection: &rejection}, nil
	}

	now := time.Now().UTC()
	duplicate, receivedAt, err := s.idempotency.CheckAndStore(ctx, env.OrgID, env.SignalID, now)
	if err != nil {
		return Result{}, err
	}
	if duplicate {
		return Result{Status: model.IngestDuplicate, ReceivedAt: receivedAt}, nil
	}

	record, err := s.log.Append(ctx, env, now)
	if err != nil {
		// The reservation committed but the log row did not; release it so a
		// client retry can re-append instead of being told duplicate for a
		// signal the log never recorded.
		if delErr := s.idempotency.Delete(ctx, env.OrgID, env.SignalID); delErr != nil {
			s.logger.Error("release idempotency reservation after failed append",
				"org_id", env.OrgID, "signal_id", env.SignalID, "error", delErr)
		}
		return Result{}, err
	}

	s.triggerDownstream(ctx, record)

	return Result{Status: model.IngestAccepted, ReceivedAt: now}, nil
}

// triggerDownstream runs the state apply and decision evaluation for a
// freshly accepted signal. Failures here never fail the ingestion.
func (s *Service) triggerDownstream(ctx context.Context, record model.SignalRecord) {
	attrs := []any{
		"org_id", record.OrgID,
		"signal_id", record.SignalID,
		"learner_reference", record.LearnerReference,
	}

	applyOutcome, err := s.states.ApplySignals(ctx, model.ApplySignalsRequest{
		OrgID:            record.OrgID,
		LearnerReference: record.LearnerReference,
		SignalIDs:        []string{record.SignalID},
		RequestedAt:      record.AcceptedAt,
	})
	if err != nil {
		s.logger.Warn("state apply failed after accept", append(attrs, "error", err)...)
		return
	}
	if !applyOutcome.OK {
		s.logger.Warn("state apply rejected after accept",
			append(attrs, "code", applyOutcome.Errors[0].Code)...)
		return
	}

	result := applyOutcome.Result
	evalOutcome, err := s.decisions.EvaluateState(ctx, model.EvaluateStateRequest{
		OrgID:            record.OrgID,
		LearnerReference: record.LearnerReference,
		StateID:          result.StateID,
		StateVersion:     result.NewStateVersion,
		RequestedAt:      record.AcceptedAt,
	})
	if err != nil {
		s.logger.Warn("decision evaluation failed after accept", append(attrs, "error", err)...)
		return
	}
	if !evalOutcome.OK {
		s.logger.Warn("decision evaluation rejected after accept",
			append(attrs, "code", evalOutcome.Errors[0].Code)...)
	}
}
