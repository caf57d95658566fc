package errors

import (
	"fmt"
	"testing"
)

func TestErrorMessageAndSuggestion(t *testing.T) {
	err := New(CategoryRun, CodeRunTimeout, "run timed out")
	if err.Error() != "run timed out" {
		t.Errorf("Error() = %q", err.Error())
	}

	err.WithSuggestion("increase the timeout")
	if err.Error() != "run timed out (suggestion: increase the timeout)" {
		t.Errorf("Error() with suggestion = %q", err.Error())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := Wrap(cause, CategoryInternal, CodeUnexpectedError, "save failed")
	if err.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}
	if Wrap(nil, CategoryInternal, CodeUnexpectedError, "nothing") != nil {
		t.Error("wrapping nil should yield nil")
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		category Category
		want     int
	}{
		{CategoryNormalization, 2},
		{CategoryConfiguration, 3},
		{CategoryRun, 4},
		{CategoryConcurrency, 5},
		{CategoryInternal, 1},
	}
	for _, tt := range tests {
		err := New(tt.category, CodeUnexpectedError, "x")
		if got := err.GetExitCode(); got != tt.want {
			t.Errorf("exit code for %s = %d, want %d", tt.category, got, tt.want)
		}
	}
}

func TestConstructorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      *EngineError
		category Category
		code     Code
	}{
		{"normalization", NormalizationError(CodeInvalidAmount, "amount", "abc", nil), CategoryNormalization, CodeInvalidAmount},
		{"configuration", ConfigurationError(CodeInvalidRule, "rule", "bad", nil), CategoryConfiguration, CodeInvalidRule},
		{"run aborted", RunAbortedError(CodeAbortThreshold, "STMT-1", "too many failures", nil), CategoryRun, CodeAbortThreshold},
		{"concurrency", ConcurrencyConflictError("ACC-1"), CategoryConcurrency, CodeAccountBusy},
		{"state conflict", StateConflictError("statement", "STMT-1", "completed", "failed"), CategoryConcurrency, CodeStateConflict},
		{"not found", NotFoundError("rule", "R-404"), CategoryInternal, CodeNotFound},
		{"internal", InternalError("save", fmt.Errorf("boom")), CategoryInternal, CodeUnexpectedError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Category != tt.category {
				t.Errorf("category = %s, want %s", tt.err.Category, tt.category)
			}
			if tt.err.Code != tt.code {
				t.Errorf("code = %s, want %s", tt.err.Code, tt.code)
			}
			if tt.err.Suggestion == "" && tt.category != CategoryConcurrency && tt.category != CategoryInternal {
				t.Error("expected an operator suggestion")
			}
		})
	}
}

func TestHelpersThroughWrappedChain(t *testing.T) {
	inner := NormalizationError(CodeInvalidDate, "date", "junk", nil)
	wrapped := fmt.Errorf("row 3: %w", inner)

	if !IsEngineError(wrapped) {
		t.Error("IsEngineError should see through fmt.Errorf wrapping")
	}
	if !HasCategory(wrapped, CategoryNormalization) {
		t.Error("HasCategory should see through wrapping")
	}
	if !HasCode(wrapped, CodeInvalidDate) {
		t.Error("HasCode should see through wrapping")
	}
	if HasCode(wrapped, CodeInvalidAmount) {
		t.Error("HasCode should not match a different code")
	}
	if HasCategory(fmt.Errorf("plain"), CategoryRun) {
		t.Error("plain errors carry no category")
	}

	extracted, ok := AsEngineError(wrapped)
	if !ok || extracted != inner {
		t.Error("AsEngineError should extract the original error")
	}
}

func TestRecordErrorsAggregate(t *testing.T) {
	errs := []*EngineError{
		NormalizationError(CodeInvalidAmount, "amount", "a", nil),
		NormalizationError(CodeInvalidAmount, "amount", "b", nil),
		NormalizationError(CodeInvalidDate, "date", "c", nil),
	}
	agg := NewRecordErrors(errs)

	if agg.Total != 3 {
		t.Errorf("Total = %d, want 3", agg.Total)
	}
	if agg.ByCode[CodeInvalidAmount] != 2 || agg.ByCode[CodeInvalidDate] != 1 {
		t.Errorf("ByCode = %v", agg.ByCode)
	}
	if NewRecordErrors(nil).Error() != "no record errors" {
		t.Error("empty aggregate message")
	}
}
