package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
)

func openStores(t *testing.T) *Stores {
	t.Helper()
	s, err := OpenStores(context.Background(), Paths{
		Idempotency: ":memory:",
		SignalLog:   ":memory:",
		State:       ":memory:",
		Decisions:   ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func envelope(orgID, signalID, learnerRef string, payload string) model.SignalEnvelope {
	return model.SignalEnvelope{
		OrgID:            orgID,
		SignalID:         signalID,
		SourceSystem:     "lms-adapter",
		LearnerReference: learnerRef,
		Timestamp:        "2026-01-30T10:00:00Z",
		SchemaVersion:    "v1",
		Payload:          json.RawMessage(payload),
	}
}

func TestIdempotencyCheckAndStore(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dup, receivedAt, err := s.Idempotency.CheckAndStore(ctx, "org-A", "sig-1", now)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, now, receivedAt)

	later := now.Add(time.Minute)
	dup, receivedAt, err = s.Idempotency.CheckAndStore(ctx, "org-A", "sig-1", later)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, now.UnixNano(), receivedAt.UnixNano(), "duplicate reports the original acceptance time")

	// Same signal_id under a different org is not a duplicate.
	dup, _, err = s.Idempotency.CheckAndStore(ctx, "org-B", "sig-1", later)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestSignalLogAppendRoundTrip(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	env := envelope("org-A", "sig-1", "learner-1", `{"stabilityScore":0.28,"nested":{"k":[1,2]}}`)
	env.Metadata = &model.SignalMetadata{CorrelationID: "corr-9"}
	acceptedAt := time.Now().UTC()

	rec, err := s.SignalLog.Append(ctx, env, acceptedAt)
	require.NoError(t, err)
	assert.Positive(t, rec.Seq)

	got, rejections, err := s.SignalLog.GetByIDs(ctx, "org-A", []string{"sig-1"})
	require.NoError(t, err)
	require.Nil(t, rejections)
	require.Len(t, got, 1)
	assert.Equal(t, env.Timestamp, got[0].Timestamp, "envelope timestamp round-trips verbatim")
	assert.JSONEq(t, string(env.Payload), string(got[0].Payload))
	require.NotNil(t, got[0].Metadata)
	assert.Equal(t, "corr-9", got[0].Metadata.CorrelationID)
	assert.Equal(t, acceptedAt.UnixNano(), got[0].AcceptedAt.UnixNano())
}

func TestSignalLogGetByIDsScope(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.SignalLog.Append(ctx, envelope("org-A", "sig-a", "learner-1", `{}`), now)
	require.NoError(t, err)
	_, err = s.SignalLog.Append(ctx, envelope("org-B", "sig-b", "learner-1", `{}`), now)
	require.NoError(t, err)

	// Cross-tenant id rejects the whole batch.
	recs, rejections, err := s.SignalLog.GetByIDs(ctx, "org-A", []string{"sig-a", "sig-b"})
	require.NoError(t, err)
	assert.Nil(t, recs)
	require.Len(t, rejections, 1)
	assert.Equal(t, model.ErrCodeSignalsNotInOrgScope, rejections[0].Code)

	// An id that exists nowhere takes precedence over a cross-tenant id.
	_, rejections, err = s.SignalLog.GetByIDs(ctx, "org-A", []string{"sig-b", "sig-ghost"})
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Equal(t, model.ErrCodeUnknownSignalID, rejections[0].Code)
}

func TestSignalLogPagination(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"s1", "s2", "s3"} {
		_, err := s.SignalLog.Append(ctx, envelope("org-A", id, "learner-1", `{}`), base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	var collected []string
	var after Cursor
	for page := 0; page < 3; page++ {
		recs, next, err := s.SignalLog.QueryByRange(ctx, "org-A", "learner-1", nil, nil, after, 1)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		collected = append(collected, recs[0].SignalID)
		if page < 2 {
			require.NotNil(t, next)
			after, err = DecodePageToken(*next)
			require.NoError(t, err)
		} else {
			assert.Nil(t, next, "final page carries no token")
		}
	}
	assert.Equal(t, []string{"s1", "s2", "s3"}, collected)
}

func TestSignalLogPaginationSurvivesInvertedInsertOrder(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	// Insert in reverse clock order, so the row with the smallest id carries
	// the latest accepted_at. A cursor keyed on id alone would skip rows at
	// the page boundary.
	for i, id := range []string{"s3", "s2", "s1"} {
		_, err := s.SignalLog.Append(ctx, envelope("org-A", id, "learner-1", `{}`),
			base.Add(time.Duration(2-i)*time.Hour))
		require.NoError(t, err)
	}

	var collected []string
	var after Cursor
	for page := 0; page < 3; page++ {
		recs, next, err := s.SignalLog.QueryByRange(ctx, "org-A", "learner-1", nil, nil, after, 1)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		collected = append(collected, recs[0].SignalID)
		if page < 2 {
			require.NotNil(t, next)
			after, err = DecodePageToken(*next)
			require.NoError(t, err)
		} else {
			assert.Nil(t, next)
		}
	}
	assert.Equal(t, []string{"s1", "s2", "s3"}, collected, "accepted_at order, every row served once")
}

func TestSignalLogTimeRange(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"s1", "s2", "s3"} {
		_, err := s.SignalLog.Append(ctx, envelope("org-A", id, "learner-1", `{}`), base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	from := base.Add(30 * time.Minute)
	to := base.Add(90 * time.Minute)
	recs, next, err := s.SignalLog.QueryByRange(ctx, "org-A", "learner-1", &from, &to, Cursor{}, DefaultPageSize)
	require.NoError(t, err)
	assert.Nil(t, next)
	require.Len(t, recs, 1)
	assert.Equal(t, "s2", recs[0].SignalID)
}

func TestStateStoreInsertAndConflict(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	head, err := s.State.Head(ctx, "org-A", "learner-1")
	require.NoError(t, err)
	assert.Nil(t, head, "no row means implicit version 0")

	st := model.LearnerState{
		OrgID:            "org-A",
		LearnerReference: "learner-1",
		StateID:          model.StateID("org-A", "learner-1", 1),
		StateVersion:     1,
		UpdatedAt:        now,
		State:            json.RawMessage(`{"stabilityScore":0.28}`),
		Provenance:       model.StateProvenance{LastSignalID: "sig-1", LastSignalTimestamp: "2026-01-30T10:00:00Z"},
	}
	applied := []model.AppliedSignal{{
		OrgID: "org-A", LearnerReference: "learner-1", SignalID: "sig-1",
		StateVersion: 1, AppliedAt: now,
	}}
	require.NoError(t, s.State.InsertVersion(ctx, st, applied))

	head, err = s.State.Head(ctx, "org-A", "learner-1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, int64(1), head.StateVersion)
	assert.Equal(t, "org-A:learner-1:v1", head.StateID)

	// A second insert at the same version loses the race.
	st.StateID = model.StateID("org-A", "learner-1", 1)
	err = s.State.InsertVersion(ctx, st, nil)
	assert.ErrorIs(t, err, ErrStateVersionConflict)

	ids, err := s.State.AppliedSignalIDs(ctx, "org-A", "learner-1")
	require.NoError(t, err)
	assert.Contains(t, ids, "sig-1")
}

func TestDecisionStoreSaveAndQuery(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	rule := "rule-reinforce"
	var saved []model.Decision
	for i := 0; i < 3; i++ {
		dec := model.Decision{
			OrgID:            "org-A",
			DecisionID:       uuid.New(),
			LearnerReference: "learner-1",
			DecisionType:     model.DecisionReinforce,
			DecidedAt:        base.Add(time.Duration(i) * time.Hour),
			DecisionContext:  json.RawMessage(`{}`),
			Trace: model.DecisionTrace{
				StateID:       model.StateID("org-A", "learner-1", int64(i+1)),
				StateVersion:  int64(i + 1),
				PolicyVersion: "2.0.0",
				MatchedRuleID: &rule,
			},
		}
		out, err := s.Decisions.Save(ctx, dec)
		require.NoError(t, err)
		saved = append(saved, out)
	}

	// page_size=1 pagination walks all three in decided_at order with no repeats.
	var ids []uuid.UUID
	var after Cursor
	for page := 0; page < 3; page++ {
		decs, next, err := s.Decisions.QueryByRange(ctx, "org-A", "learner-1", nil, nil, after, 1)
		require.NoError(t, err)
		require.Len(t, decs, 1)
		ids = append(ids, decs[0].DecisionID)
		if page < 2 {
			require.NotNil(t, next)
			after, err = DecodePageToken(*next)
			require.NoError(t, err)
		} else {
			assert.Nil(t, next)
		}
	}
	assert.Equal(t, []uuid.UUID{saved[0].DecisionID, saved[1].DecisionID, saved[2].DecisionID}, ids)

	got, err := s.Decisions.GetByID(ctx, "org-A", saved[1].DecisionID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionReinforce, got.DecisionType)
	require.NotNil(t, got.Trace.MatchedRuleID)
	assert.Equal(t, "rule-reinforce", *got.Trace.MatchedRuleID)

	// Wrong org never sees it.
	_, err = s.Decisions.GetByID(ctx, "org-B", saved[1].DecisionID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Re-saving the same decision_id is rejected.
	_, err = s.Decisions.Save(ctx, saved[0])
	assert.ErrorIs(t, err, ErrDuplicateDecision)
}

func TestDecisionStoreRejectsMissingTrace(t *testing.T) {
	s := openStores(t)

	_, err := s.Decisions.Save(context.Background(), model.Decision{
		OrgID:            "org-A",
		DecisionID:       uuid.New(),
		LearnerReference: "learner-1",
		DecisionType:     model.DecisionReinforce,
		DecidedAt:        time.Now().UTC(),
		DecisionContext:  json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, ErrMissingTrace)
}

func TestPageTokens(t *testing.T) {
	want := Cursor{At: time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC).UnixNano(), Seq: 42}
	got, err := DecodePageToken(EncodePageToken(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// "djE6" is base64("v1:"), "eHg6MTI=" is base64("xx:12"), "djE6MTI=" is
	// base64("v1:12") with the tie-break component missing.
	for _, bad := range []string{"not-base64!!", "djE6", "eHg6MTI=", "djE6MTI=", ""} {
		_, err := DecodePageToken(bad)
		assert.ErrorIs(t, err, ErrInvalidPageToken, "token %q", bad)
	}
}
