// Package validate enforces the structural contract for inbound signal
// envelopes. Validation is a single pass that collects every violation,
// with stable error codes and field paths; messages are advisory only.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
)

const (
	MaxOrgIDLen            = 128
	MaxSignalIDLen         = 256
	MaxLearnerReferenceLen = 256
)

var (
	signalIDPattern      = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
	schemaVersionPattern = regexp.MustCompile(`^v[0-9]+$`)

	// RFC3339 with a mandatory timezone. time.Parse alone would accept
	// variants the contract rejects, so the shape is pinned first.
	timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)
)

// ParseTimestamp validates s against the strict RFC3339-with-timezone
// grammar and returns the parsed instant. Shared by envelope validation
// and query-parameter parsing.
func ParseTimestamp(s string) (time.Time, bool) {
	if !timestampPattern.MatchString(s) {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Envelope parses raw JSON and validates it as a SignalEnvelope. On success
// the decoded envelope is returned with no errors; otherwise the full list
// of violations from a single pass, in field declaration order.
func Envelope(raw []byte) (model.SignalEnvelope, []model.ErrorDetail) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return model.SignalEnvelope{}, []model.ErrorDetail{
			model.Detail(model.ErrCodeInvalidFormat, "request body must be a JSON object", ""),
		}
	}

	var errs []model.ErrorDetail
	add := func(code, message, fieldPath string) {
		errs = append(errs, model.Detail(code, message, fieldPath))
	}

	// org_id: required, non-blank, at most 128 chars.
	if orgID, ok, valid := stringField(fields, "org_id"); !ok {
		add(model.ErrCodeMissingRequiredField, "org_id is required", "org_id")
	} else if !valid {
		add(model.ErrCodeInvalidType, "org_id must be a string", "org_id")
	} else if strings.TrimSpace(orgID) == "" {
		add(model.ErrCodeOrgScopeRequired, "org_id must be non-blank", "org_id")
	} else if utf8.RuneCountInString(orgID) > MaxOrgIDLen {
		add(model.ErrCodeInvalidLength, fmt.Sprintf("org_id exceeds %d characters", MaxOrgIDLen), "org_id")
	}

	// signal_id: required, 1-256 chars from a restricted charset.
	if signalID, ok, valid := stringField(fields, "signal_id"); !ok {
		add(model.ErrCodeMissingRequiredField, "signal_id is required", "signal_id")
	} else if !valid {
		add(model.ErrCodeInvalidType, "signal_id must be a string", "signal_id")
	} else if signalID == "" || utf8.RuneCountInString(signalID) > MaxSignalIDLen {
		add(model.ErrCodeInvalidLength, fmt.Sprintf("signal_id must be 1-%d characters", MaxSignalIDLen), "signal_id")
	} else if !signalIDPattern.MatchString(signalID) {
		add(model.ErrCodeInvalidCharset, "signal_id may only contain [A-Za-z0-9._:-]", "signal_id")
	}

	// source_system: required, non-blank.
	if src, ok, valid := stringField(fields, "source_system"); !ok {
		add(model.ErrCodeMissingRequiredField, "source_system is required", "source_system")
	} else if !valid {
		add(model.ErrCodeInvalidType, "source_system must be a string", "source_system")
	} else if strings.TrimSpace(src) == "" {
		add(model.ErrCodeMissingRequiredField, "source_system must be non-blank", "source_system")
	}

	// learner_reference: required, 1-256 chars.
	if ref, ok, valid := stringField(fields, "learner_reference"); !ok {
		add(model.ErrCodeMissingRequiredField, "learner_reference is required", "learner_reference")
	} else if !valid {
		add(model.ErrCodeInvalidType, "learner_reference must be a string", "learner_reference")
	} else if strings.TrimSpace(ref) == "" {
		add(model.ErrCodeMissingRequiredField, "learner_reference must be non-blank", "learner_reference")
	} else if utf8.RuneCountInString(ref) > MaxLearnerReferenceLen {
		add(model.ErrCodeInvalidLength, fmt.Sprintf("learner_reference exceeds %d characters", MaxLearnerReferenceLen), "learner_reference")
	}

	// timestamp: required RFC3339 with an explicit timezone.
	if ts, ok, valid := stringField(fields, "timestamp"); !ok {
		add(model.ErrCodeMissingRequiredField, "timestamp is required", "timestamp")
	} else if !valid {
		add(model.ErrCodeInvalidType, "timestamp must be a string", "timestamp")
	} else if _, tsOK := ParseTimestamp(ts); !tsOK {
		add(model.ErrCodeInvalidTimestamp, "timestamp must be RFC3339 with an explicit timezone", "timestamp")
	}

	// schema_version: required, ^v[0-9]+$.
	if sv, ok, valid := stringField(fields, "schema_version"); !ok {
		add(model.ErrCodeMissingRequiredField, "schema_version is required", "schema_version")
	} else if !valid {
		add(model.ErrCodeInvalidType, "schema_version must be a string", "schema_version")
	} else if !schemaVersionPattern.MatchString(sv) {
		add(model.ErrCodeInvalidSchemaVersion, `schema_version must match ^v[0-9]+$`, "schema_version")
	}

	// payload: required, a non-null JSON object.
	if payload, ok := fields["payload"]; !ok {
		add(model.ErrCodeMissingRequiredField, "payload is required", "payload")
	} else if !isJSONObject(payload) {
		add(model.ErrCodePayloadNotObject, "payload must be a JSON object", "payload")
	}

	// metadata: optional; when present, an object of optional string fields.
	if meta, ok := fields["metadata"]; ok && !isJSONNull(meta) {
		if !isJSONObject(meta) {
			add(model.ErrCodeInvalidType, "metadata must be a JSON object", "metadata")
		} else {
			var md map[string]json.RawMessage
			_ = json.Unmarshal(meta, &md)
			for _, key := range []string{"correlation_id", "trace_id"} {
				if v, present := md[key]; present && !isJSONNull(v) && !isJSONString(v) {
					add(model.ErrCodeInvalidType, key+" must be a string", "metadata."+key)
				}
			}
		}
	}

	if len(errs) > 0 {
		return model.SignalEnvelope{}, errs
	}

	var env model.SignalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.SignalEnvelope{}, []model.ErrorDetail{
			model.Detail(model.ErrCodeInvalidFormat, "request body could not be decoded", ""),
		}
	}
	return env, nil
}

// stringField returns (value, present, isString) for a top-level field.
func stringField(fields map[string]json.RawMessage, name string) (string, bool, bool) {
	raw, ok := fields[name]
	if !ok || isJSONNull(raw) {
		return "", false, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", true, false
	}
	return s, true, true
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}

func isJSONString(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, `"`)
}

func isJSONNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
