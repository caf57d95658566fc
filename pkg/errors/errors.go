// Package errors defines the error taxonomy shared by all reconciliation
// engine components.
//
// Errors are classified by category and code so that callers can react to
// classes of failure (retry a busy account, surface a bad rule definition,
// exclude a malformed record) without string matching. Every error carries
// optional context fields and a suggestion for the operator.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Category groups errors by the recovery strategy they demand.
type Category string

const (
	// CategoryNormalization covers malformed input records. Recoverable:
	// the record is excluded and reported, the run continues.
	CategoryNormalization Category = "normalization"

	// CategoryConfiguration covers invalid rule, bucket, or threshold
	// definitions. Rejected at upsert time, never ignored at run time.
	CategoryConfiguration Category = "configuration"

	// CategoryRun covers unrecoverable run failures: abort-threshold
	// breaches, timeouts, and cancellations.
	CategoryRun Category = "run"

	// CategoryConcurrency covers conflicting operations: a second run on a
	// locked account, or an illegal state transition.
	CategoryConcurrency Category = "concurrency"

	// CategoryInternal covers everything that should not happen.
	CategoryInternal Category = "internal"
)

// Code identifies a specific failure within a category.
type Code string

const (
	// Normalization codes
	CodeInvalidAmount Code = "invalid_amount"
	CodeInvalidDate   Code = "invalid_date"
	CodeMissingField  Code = "missing_field"

	// Configuration codes
	CodeInvalidRule   Code = "invalid_rule"
	CodeInvalidBucket Code = "invalid_bucket"
	CodeInvalidConfig Code = "invalid_config"

	// Run codes
	CodeAbortThreshold Code = "abort_threshold"
	CodeRunTimeout     Code = "run_timeout"
	CodeRunCanceled    Code = "run_canceled"

	// Concurrency codes
	CodeAccountBusy   Code = "account_busy"
	CodeStateConflict Code = "state_conflict"

	// Internal codes
	CodeNotFound        Code = "not_found"
	CodeUnexpectedError Code = "unexpected_error"
)

// Context carries structured details about the failure site.
type Context map[string]interface{}

// EngineError is the error type returned by all engine components.
type EngineError struct {
	Category   Category          `json:"category"`
	Code       Code              `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a context field to the error.
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion attaches an operator-facing suggestion.
func (e *EngineError) WithSuggestion(suggestion string) *EngineError {
	e.Suggestion = suggestion
	return e
}

// GetExitCode maps the error category to a process exit code for the CLI.
func (e *EngineError) GetExitCode() int {
	switch e.Category {
	case CategoryNormalization:
		return 2
	case CategoryConfiguration:
		return 3
	case CategoryRun:
		return 4
	case CategoryConcurrency:
		return 5
	default:
		return 1
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// New creates a new EngineError with a captured stack trace.
func New(category Category, code Code, message string) *EngineError {
	return &EngineError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with engine error classification.
func Wrap(err error, category Category, code Code, message string) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// NormalizationError reports a malformed input record. The record is excluded
// from matching and surfaced to the caller; it is never silently dropped.
func NormalizationError(code Code, field string, value interface{}, err error) *EngineError {
	var message, suggestion string
	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("cannot parse amount in field '%s': %v", field, value)
		suggestion = "amounts must be decimal numbers with at most minor-unit precision"
	case CodeInvalidDate:
		message = fmt.Sprintf("cannot parse date in field '%s': %v", field, value)
		suggestion = "use date format YYYY-MM-DD"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this field or flag the record for manual entry"
	default:
		message = fmt.Sprintf("cannot normalize field '%s': %v", field, value)
		suggestion = "check the record against the expected shape"
	}

	result := wrapOrNew(err, CategoryNormalization, code, message)
	return result.
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// ConfigurationError reports an invalid rule, bucket, or threshold definition.
func ConfigurationError(code Code, setting string, value interface{}, err error) *EngineError {
	var message, suggestion string
	switch code {
	case CodeInvalidRule:
		message = fmt.Sprintf("invalid rule definition '%s': %v", setting, value)
		suggestion = "check the rule's conditions and actions against the supported operators"
	case CodeInvalidBucket:
		message = fmt.Sprintf("invalid aging bucket definition '%s': %v", setting, value)
		suggestion = "bucket day ranges must be contiguous and non-overlapping"
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	result := wrapOrNew(err, CategoryConfiguration, code, message)
	return result.
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// RunAbortedError reports an unrecoverable reconciliation run failure. The
// statement moves to failed; committed matches and items are preserved.
func RunAbortedError(code Code, statementID string, reason string, err error) *EngineError {
	var message, suggestion string
	switch code {
	case CodeAbortThreshold:
		message = fmt.Sprintf("run aborted for statement %s: %s", statementID, reason)
		suggestion = "fix the malformed source records and retry the run"
	case CodeRunTimeout:
		message = fmt.Sprintf("run timed out for statement %s: %s", statementID, reason)
		suggestion = "increase the run timeout or narrow the book window"
	case CodeRunCanceled:
		message = fmt.Sprintf("run canceled for statement %s: %s", statementID, reason)
		suggestion = "committed matches are preserved; retry to resume"
	default:
		message = fmt.Sprintf("run failed for statement %s: %s", statementID, reason)
		suggestion = "inspect the run report and retry after remediation"
	}

	result := wrapOrNew(err, CategoryRun, code, message)
	return result.
		WithSuggestion(suggestion).
		WithContext("statement_id", statementID).
		WithContext("reason", reason)
}

// ConcurrencyConflictError reports a rejected concurrent run attempt. The
// caller is expected to retry deliberately; requests are never queued.
func ConcurrencyConflictError(accountID string) *EngineError {
	return New(CategoryConcurrency, CodeAccountBusy,
		fmt.Sprintf("a reconciliation run is already in progress for account %s", accountID)).
		WithSuggestion("wait for the current run to finish and retry").
		WithContext("account_id", accountID)
}

// StateConflictError reports an illegal lifecycle transition.
func StateConflictError(entity, id, from, to string) *EngineError {
	return New(CategoryConcurrency, CodeStateConflict,
		fmt.Sprintf("%s %s cannot transition from %s to %s", entity, id, from, to)).
		WithContext("entity", entity).
		WithContext("id", id)
}

// NotFoundError reports a missing entity.
func NotFoundError(entity, id string) *EngineError {
	return New(CategoryInternal, CodeNotFound,
		fmt.Sprintf("%s not found: %s", entity, id)).
		WithContext("entity", entity).
		WithContext("id", id)
}

// InternalError reports an unexpected failure.
func InternalError(operation string, err error) *EngineError {
	return wrapOrNew(err, CategoryInternal, CodeUnexpectedError,
		fmt.Sprintf("unexpected error during %s", operation)).
		WithContext("operation", operation)
}

func wrapOrNew(err error, category Category, code Code, message string) *EngineError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// IsEngineError checks whether an error is an EngineError.
func IsEngineError(err error) bool {
	_, ok := AsEngineError(err)
	return ok
}

// AsEngineError extracts an EngineError from an error chain.
func AsEngineError(err error) (*EngineError, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}

// HasCategory reports whether err carries the given category.
func HasCategory(err error, category Category) bool {
	if engineErr, ok := AsEngineError(err); ok {
		return engineErr.Category == category
	}
	return false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	if engineErr, ok := AsEngineError(err); ok {
		return engineErr.Code == code
	}
	return false
}

// RecordErrors aggregates per-record normalization failures for a run report.
type RecordErrors struct {
	Total  int            `json:"total"`
	ByCode map[Code]int   `json:"by_code"`
	Errors []*EngineError `json:"errors"`
}

// NewRecordErrors builds an aggregate over individual record failures.
func NewRecordErrors(errs []*EngineError) *RecordErrors {
	summary := &RecordErrors{
		Total:  len(errs),
		ByCode: make(map[Code]int),
		Errors: errs,
	}
	for _, err := range errs {
		summary.ByCode[err.Code]++
	}
	return summary
}

// Error returns a one-line description of the aggregate.
func (re *RecordErrors) Error() string {
	if re.Total == 0 {
		return "no record errors"
	}
	if re.Total == 1 {
		return re.Errors[0].Error()
	}
	parts := make([]string, 0, len(re.ByCode))
	for code, count := range re.ByCode {
		parts = append(parts, fmt.Sprintf("%s: %d", code, count))
	}
	return fmt.Sprintf("%d record errors (%s)", re.Total, strings.Join(parts, ", "))
}
