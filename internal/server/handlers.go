package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/service/ingest"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/storage"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/validate"
)

// Handlers bundles the HTTP endpoint implementations and their dependencies.
type Handlers struct {
	ingest    *ingest.Service
	signals   *storage.SignalLog
	decisions *storage.DecisionStore
	stores    *storage.Stores
	broker    *Broker
	logger    *slog.Logger

	version      string
	startedAt    time.Time
	maxBodyBytes int64
}

// NewHandlers creates the endpoint set.
func NewHandlers(
	ing *ingest.Service,
	signals *storage.SignalLog,
	decisions *storage.DecisionStore,
	stores *storage.Stores,
	broker *Broker,
	logger *slog.Logger,
	version string,
	maxBodyBytes int64,
) *Handlers {
	return &Handlers{
		ingest:       ing,
		signals:      signals,
		decisions:    decisions,
		stores:       stores,
		broker:       broker,
		logger:       logger,
		version:      version,
		startedAt:    time.Now().UTC(),
		maxBodyBytes: maxBodyBytes,
	}
}

// HandleIngestSignal accepts a signal envelope. Structural rejections come
// back as status 400 with the rejection reason; duplicates replay the
// original acknowledgment.
func (h *Handlers) HandleIngestSignal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		if _, ok := err.(*http.MaxBytesError); ok {
			writeJSON(w, http.StatusBadRequest, model.SignalIngestResult{
				Status: model.IngestRejected,
				RejectionReason: ptr(model.Detail(model.ErrCodeRequestTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", h.maxBodyBytes), "")),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, model.SignalIngestResult{
			Status:          model.IngestRejected,
			RejectionReason: ptr(model.Detail(model.ErrCodeInvalidFormat, "unable to read request body", "")),
		})
		return
	}

	result, err := h.ingest.Ingest(r.Context(), raw)
	if err != nil {
		h.logger.Error("signal ingestion failed",
			"error", err,
			"request_id", RequestIDFromContext(r.Context()),
		)
		writeError(w, http.StatusInternalServerError,
			model.Detail(model.ErrCodeInternal, "internal server error", ""))
		return
	}

	switch result.Status {
	case model.IngestRejected:
		writeJSON(w, http.StatusBadRequest, model.SignalIngestResult{
			Status:          model.IngestRejected,
			RejectionReason: result.Rejection,
		})
	default:
		received := result.ReceivedAt
		writeJSON(w, http.StatusOK, model.SignalIngestResult{
			Status:     result.Status,
			ReceivedAt: &received,
		})
	}
}

// queryParams is the validated form of the shared read-query parameters.
type queryParams struct {
	orgID            string
	learnerReference string
	from             *time.Time
	to               *time.Time
	pageSize         int
	after            storage.Cursor
}

// parseQueryParams validates signal-log and decision queries. Checks run in a
// fixed order so the same bad request always yields the same error.
func parseQueryParams(r *http.Request) (queryParams, *model.ErrorDetail) {
	q := r.URL.Query()
	p := queryParams{pageSize: storage.DefaultPageSize}

	p.orgID = q.Get("org_id")
	if p.orgID == "" {
		return p, ptr(model.Detail(model.ErrCodeOrgScopeRequired, "org_id is required", "org_id"))
	}
	p.learnerReference = q.Get("learner_reference")
	if p.learnerReference == "" {
		return p, ptr(model.Detail(model.ErrCodeMissingRequiredField, "learner_reference is required", "learner_reference"))
	}

	if v := q.Get("from_time"); v != "" {
		t, ok := validate.ParseTimestamp(v)
		if !ok {
			return p, ptr(model.Detail(model.ErrCodeInvalidTimestamp,
				"from_time must be an RFC 3339 timestamp with timezone", "from_time"))
		}
		p.from = &t
	}
	if v := q.Get("to_time"); v != "" {
		t, ok := validate.ParseTimestamp(v)
		if !ok {
			return p, ptr(model.Detail(model.ErrCodeInvalidTimestamp,
				"to_time must be an RFC 3339 timestamp with timezone", "to_time"))
		}
		p.to = &t
	}
	if p.from != nil && p.to != nil && p.from.After(*p.to) {
		return p, ptr(model.Detail(model.ErrCodeInvalidTimeRange,
			"from_time must not be after to_time", "from_time"))
	}

	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > storage.MaxPageSize {
			return p, ptr(model.Detail(model.ErrCodePageSizeOutOfRange,
				fmt.Sprintf("page_size must be an integer in [1,%d]", storage.MaxPageSize), "page_size"))
		}
		p.pageSize = n
	}

	if v := q.Get("page_token"); v != "" {
		cursor, err := storage.DecodePageToken(v)
		if err != nil {
			return p, ptr(model.Detail(model.ErrCodeInvalidPageToken,
				"page_token is malformed or unrecognized", "page_token"))
		}
		p.after = cursor
	}
	return p, nil
}

// HandleQuerySignals reads a page of the tenant's signal log in deterministic
// order.
func (h *Handlers) HandleQuerySignals(w http.ResponseWriter, r *http.Request) {
	p, detail := parseQueryParams(r)
	if detail != nil {
		writeError(w, http.StatusBadRequest, *detail)
		return
	}

	records, nextToken, err := h.signals.QueryByRange(r.Context(),
		p.orgID, p.learnerReference, p.from, p.to, p.after, p.pageSize)
	if err != nil {
		h.logger.Error("signal log query failed",
			"error", err,
			"org_id", p.orgID,
			"request_id", RequestIDFromContext(r.Context()),
		)
		writeError(w, http.StatusInternalServerError,
			model.Detail(model.ErrCodeInternal, "internal server error", ""))
		return
	}
	if records == nil {
		records = []model.SignalRecord{}
	}
	writeJSON(w, http.StatusOK, model.SignalLogReadResponse{
		Signals:       records,
		NextPageToken: nextToken,
	})
}

// HandleQueryDecisions reads a page of the tenant's decisions in
// deterministic order.
func (h *Handlers) HandleQueryDecisions(w http.ResponseWriter, r *http.Request) {
	p, detail := parseQueryParams(r)
	if detail != nil {
		writeError(w, http.StatusBadRequest, *detail)
		return
	}

	decisions, nextToken, err := h.decisions.QueryByRange(r.Context(),
		p.orgID, p.learnerReference, p.from, p.to, p.after, p.pageSize)
	if err != nil {
		h.logger.Error("decision query failed",
			"error", err,
			"org_id", p.orgID,
			"request_id", RequestIDFromContext(r.Context()),
		)
		writeError(w, http.StatusInternalServerError,
			model.Detail(model.ErrCodeInternal, "internal server error", ""))
		return
	}
	if decisions == nil {
		decisions = []model.Decision{}
	}
	writeJSON(w, http.StatusOK, model.GetDecisionsResponse{
		Decisions:     decisions,
		NextPageToken: nextToken,
	})
}

// HandleSubscribe streams decision events for one org over SSE.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		writeError(w, http.StatusBadRequest,
			model.Detail(model.ErrCodeOrgScopeRequired, "org_id is required", "org_id"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError,
			model.Detail(model.ErrCodeInternal, "streaming unsupported", ""))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.broker.Subscribe(orgID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type healthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Stores        map[string]string `json:"stores"`
	Subscribers   int               `json:"subscribers"`
}

// HandleHealth reports process liveness and per-store connectivity.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Stores: map[string]string{
			"idempotency":    "ok",
			"signal_log":     "ok",
			"state_store":    "ok",
			"decision_store": "ok",
		},
		Subscribers: h.broker.SubscriberCount(),
	}
	status := http.StatusOK
	if err := h.stores.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Stores[storeLabel(err)] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// storeLabel recovers the store name from a labeled ping failure so the
// health body can blame the right store.
func storeLabel(err error) string {
	msg := err.Error()
	for _, name := range []string{"idempotency", "signal_log", "state_store", "decision_store"} {
		if strings.Contains(msg, "ping "+name) {
			return name
		}
	}
	return "unknown"
}

func ptr[T any](v T) *T { return &v }
