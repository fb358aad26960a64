package model

// Stable machine-readable error codes. These are part of the API contract:
// clients branch on them, so the strings never change.
const (
	ErrCodeMissingRequiredField     = "missing_required_field"
	ErrCodeInvalidType              = "invalid_type"
	ErrCodeInvalidFormat            = "invalid_format"
	ErrCodeInvalidTimestamp         = "invalid_timestamp"
	ErrCodeInvalidLength            = "invalid_length"
	ErrCodeInvalidCharset           = "invalid_charset"
	ErrCodeInvalidSchemaVersion     = "invalid_schema_version"
	ErrCodePayloadNotObject         = "payload_not_object"
	ErrCodeRequestTooLarge          = "request_too_large"
	ErrCodeOrgScopeRequired         = "org_scope_required"
	ErrCodeForbiddenSemanticKey     = "forbidden_semantic_key_detected"
	ErrCodeInvalidTimeRange         = "invalid_time_range"
	ErrCodeInvalidPageToken         = "invalid_page_token"
	ErrCodePageSizeOutOfRange       = "page_size_out_of_range"
	ErrCodeUnknownSignalID          = "unknown_signal_id"
	ErrCodeSignalsNotInOrgScope     = "signals_not_in_org_scope"
	ErrCodeStatePayloadNotObject    = "state_payload_not_object"
	ErrCodeStateVersionConflict     = "state_version_conflict"
	ErrCodeStateNotFound            = "state_not_found"
	ErrCodeTraceStateMismatch       = "trace_state_mismatch"
	ErrCodePolicyNotFound           = "policy_not_found"
	ErrCodeInvalidPolicyVersion     = "invalid_policy_version"
	ErrCodeInvalidDecisionType      = "invalid_decision_type"
	ErrCodeDecisionContextNotObject = "decision_context_not_object"
	ErrCodeMissingTrace             = "missing_trace"
	ErrCodeRateLimited              = "rate_limited"
	ErrCodeInternal                 = "internal_error"
)

// ErrorDetail is the wire form of a single rejection reason.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	FieldPath string `json:"field_path,omitempty"`
}

// Detail builds an ErrorDetail in one call site line.
func Detail(code, message, fieldPath string) ErrorDetail {
	return ErrorDetail{Code: code, Message: message, FieldPath: fieldPath}
}
