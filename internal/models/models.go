// Package models defines the data shapes shared by the reconciliation and
// aging engine: normalized transactions, matching rules, matches,
// discrepancy items, statements, and aging snapshots.
//
// Monetary amounts are carried as signed int64 values in minor currency
// units (cents, pence, ...). Floating point never touches an amount;
// decimal arithmetic is used only at parse time and for ratio computations.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which side of the reconciliation a transaction came from.
type Source string

const (
	// SourceBank marks a transaction line from an external bank statement.
	SourceBank Source = "bank"
	// SourceBook marks an internally recorded ledger entry.
	SourceBook Source = "book"
)

// IsValid checks if the source is valid.
func (s Source) IsValid() bool {
	return s == SourceBank || s == SourceBook
}

// NormalizedTransaction is the common shape both raw bank lines and raw book
// entries are converted into. Instances are immutable once created.
type NormalizedTransaction struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Source      Source    `json:"source"`
	Date        time.Time `json:"date"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	Reference   string    `json:"reference"`
	RawCategory string    `json:"rawCategory,omitempty"`
	// Seq is the creation order within the source batch. It is the final,
	// stable tie-breaker wherever "earliest-created" ordering is required.
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate performs basic validation on the transaction.
func (t *NormalizedTransaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("transaction ID cannot be empty")
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return fmt.Errorf("transaction account ID cannot be empty")
	}
	if !t.Source.IsValid() {
		return fmt.Errorf("invalid transaction source: %s", t.Source)
	}
	if strings.TrimSpace(t.Currency) == "" {
		return fmt.Errorf("transaction currency cannot be empty")
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}
	return nil
}

// DateKey returns the calendar-date key used for exact matching.
func (t *NormalizedTransaction) DateKey() string {
	return t.Date.Format("2006-01-02")
}

// String returns a short description of the transaction.
func (t *NormalizedTransaction) String() string {
	return fmt.Sprintf("Transaction{ID: %s, Source: %s, Amount: %d, Date: %s, Ref: %s}",
		t.ID, t.Source, t.Amount, t.DateKey(), t.Reference)
}

// Rule condition fields.
const (
	FieldDescription = "description"
	FieldReference   = "reference"
	FieldCategory    = "category"
	FieldAmount      = "amount"
	FieldDate        = "date"
)

// Rule condition operators.
const (
	OpEquals      = "equals"
	OpContains    = "contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpBetween     = "between"
)

// Rule action types.
const (
	ActionAutoMatch  = "auto_match"
	ActionCategorize = "categorize"
	ActionFlag       = "flag"
	ActionIgnore     = "ignore"
)

// RuleCondition is one predicate of a rule. All conditions of a rule must
// hold for the rule to apply.
type RuleCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// RuleAction is one effect of a rule.
type RuleAction struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// ReconciliationRule is a user-defined matching/categorization rule. Rules
// are evaluated in ascending priority order; ties are broken by creation
// time (stable sort).
type ReconciliationRule struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	AccountID  string          `json:"accountId,omitempty"`
	Conditions []RuleCondition `json:"conditions"`
	Actions    []RuleAction    `json:"actions"`
	Priority   int             `json:"priority"`
	IsActive   bool            `json:"isActive"`
	// MatchCount is telemetry only; it never feeds back into matching.
	MatchCount int       `json:"matchCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

var textFields = map[string]bool{
	FieldDescription: true,
	FieldReference:   true,
	FieldCategory:    true,
}

var textOperators = map[string]bool{
	OpEquals:     true,
	OpContains:   true,
	OpStartsWith: true,
	OpEndsWith:   true,
}

var orderedOperators = map[string]bool{
	OpEquals:      true,
	OpGreaterThan: true,
	OpLessThan:    true,
	OpBetween:     true,
}

// Validate checks the rule definition. Invalid definitions are rejected at
// upsert time so that rule evaluation at run time stays total.
func (r *ReconciliationRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name cannot be empty")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule must have at least one condition")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule must have at least one action")
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	for i, a := range r.Actions {
		switch a.Type {
		case ActionAutoMatch, ActionCategorize, ActionFlag, ActionIgnore:
		default:
			return fmt.Errorf("action %d: unknown action type '%s'", i, a.Type)
		}
	}
	return nil
}

// Validate checks a single condition for field/operator compatibility and
// value parseability.
func (c *RuleCondition) Validate() error {
	switch {
	case textFields[c.Field]:
		if !textOperators[c.Operator] {
			return fmt.Errorf("operator '%s' not supported on text field '%s'", c.Operator, c.Field)
		}
	case c.Field == FieldAmount:
		if !orderedOperators[c.Operator] {
			return fmt.Errorf("operator '%s' not supported on amount", c.Operator)
		}
		for _, part := range splitBetween(c.Operator, c.Value) {
			if _, err := ParseMinorUnits(part, 0); err != nil {
				return fmt.Errorf("amount value '%s' is not a minor-unit integer: %w", part, err)
			}
		}
	case c.Field == FieldDate:
		if !orderedOperators[c.Operator] {
			return fmt.Errorf("operator '%s' not supported on date", c.Operator)
		}
		for _, part := range splitBetween(c.Operator, c.Value) {
			if _, err := ParseDateOnly(part); err != nil {
				return fmt.Errorf("date value '%s': %w", part, err)
			}
		}
	default:
		return fmt.Errorf("unknown condition field '%s'", c.Field)
	}
	if c.Operator == OpBetween && len(strings.Split(c.Value, ",")) != 2 {
		return fmt.Errorf("between requires a 'low,high' value, got '%s'", c.Value)
	}
	return nil
}

func splitBetween(operator, value string) []string {
	if operator == OpBetween {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return []string{strings.TrimSpace(value)}
}

// MatchType classifies how a match was produced.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchFuzzy  MatchType = "fuzzy"
	MatchManual MatchType = "manual"
	MatchRule   MatchType = "rule"
)

// IsValid checks if the match type is valid.
func (mt MatchType) IsValid() bool {
	switch mt {
	case MatchExact, MatchFuzzy, MatchManual, MatchRule:
		return true
	}
	return false
}

// ReconciliationMatch pairs a statement transaction with a book transaction.
// A statement transaction and a book transaction each participate in at most
// one active match. Superseded matches are retired, never deleted.
type ReconciliationMatch struct {
	ID                     string    `json:"id"`
	StatementID            string    `json:"statementId"`
	StatementTransactionID string    `json:"statementTransactionId"`
	BookTransactionID      string    `json:"bookTransactionId"`
	MatchType              MatchType `json:"matchType"`
	Confidence             int       `json:"confidence"`
	Variance               int64     `json:"variance"`
	RuleID                 string    `json:"ruleId,omitempty"`
	MatchedAt              time.Time `json:"matchedAt"`
	Active                 bool      `json:"active"`
	SupersededBy           string    `json:"supersededBy,omitempty"`
}

// ItemType classifies a discrepancy.
type ItemType string

const (
	ItemMissingTransaction   ItemType = "missing_transaction"
	ItemDuplicateTransaction ItemType = "duplicate_transaction"
	ItemAmountMismatch       ItemType = "amount_mismatch"
	ItemDateMismatch         ItemType = "date_mismatch"
	ItemUnmatchedBank        ItemType = "unmatched_bank"
	ItemUnmatchedBook        ItemType = "unmatched_book"
)

// ItemStatus is the discrepancy lifecycle state. Resolved and ignored are
// terminal; reopening is modeled as creating a new item.
type ItemStatus string

const (
	ItemPending  ItemStatus = "pending"
	ItemResolved ItemStatus = "resolved"
	ItemIgnored  ItemStatus = "ignored"
)

// IsTerminal reports whether the status is a terminal state.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemResolved || s == ItemIgnored
}

// ItemPriority ranks discrepancies for review.
type ItemPriority string

const (
	PriorityCritical ItemPriority = "critical"
	PriorityHigh     ItemPriority = "high"
	PriorityMedium   ItemPriority = "medium"
	PriorityLow      ItemPriority = "low"
)

// ReconciliationItem records a discrepancy between statement and book
// records and tracks its resolution lifecycle.
type ReconciliationItem struct {
	ID                   string       `json:"id"`
	AccountID            string       `json:"accountId"`
	TransactionID        string       `json:"transactionId"`
	RelatedTransactionID string       `json:"relatedTransactionId,omitempty"`
	Type                 ItemType     `json:"type"`
	ExpectedAmount       *int64       `json:"expectedAmount,omitempty"`
	ActualAmount         *int64       `json:"actualAmount,omitempty"`
	Status               ItemStatus   `json:"status"`
	Priority             ItemPriority `json:"priority"`
	Note                 string       `json:"note,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
	ResolvedBy           string       `json:"resolvedBy,omitempty"`
	ResolvedAt           *time.Time   `json:"resolvedAt,omitempty"`
}

// Key returns the idempotency key. Re-running reconciliation must not create
// a second pending item with the same key.
func (i *ReconciliationItem) Key() string {
	return fmt.Sprintf("%s|%s|%s", i.AccountID, i.TransactionID, i.Type)
}

// StatementStatus is the reconciliation run state machine.
type StatementStatus string

const (
	StatementPending    StatementStatus = "pending"
	StatementInProgress StatementStatus = "in_progress"
	StatementCompleted  StatementStatus = "completed"
	StatementFailed     StatementStatus = "failed"
)

// CanTransitionTo reports whether the status transition is legal. Failed
// runs go back through pending after operator remediation; completed runs
// may be explicitly re-executed.
func (s StatementStatus) CanTransitionTo(next StatementStatus) bool {
	switch s {
	case StatementPending:
		return next == StatementInProgress
	case StatementInProgress:
		return next == StatementCompleted || next == StatementFailed
	case StatementFailed:
		return next == StatementPending
	case StatementCompleted:
		return next == StatementInProgress
	}
	return false
}

// ReconciliationStatement is one ingested bank statement and the state of
// its reconciliation run. Summary counters are derived and recomputed at the
// end of each run, never hand-edited.
type ReconciliationStatement struct {
	ID                    string          `json:"id"`
	AccountID             string          `json:"accountId"`
	Currency              string          `json:"currency"`
	StatementDate         time.Time       `json:"statementDate"`
	OpeningBalance        int64           `json:"openingBalance"`
	ClosingBalance        int64           `json:"closingBalance"`
	TransactionCount      int             `json:"transactionCount"`
	MatchedTransactions   int             `json:"matchedTransactions"`
	UnmatchedTransactions int             `json:"unmatchedTransactions"`
	Discrepancies         int             `json:"discrepancies"`
	Status                StatementStatus `json:"status"`
	FailureReason         string          `json:"failureReason,omitempty"`
	StartedAt             *time.Time      `json:"startedAt,omitempty"`
	CompletedAt           *time.Time      `json:"completedAt,omitempty"`
}

// AgingBucket is one day-range slice of an aging report. Derived snapshot
// only, never a source of truth.
type AgingBucket struct {
	Label      string  `json:"label"`
	Amount     int64   `json:"amount"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Polarity selects whether an aging report covers receivables or payables.
type Polarity string

const (
	PolarityReceivable Polarity = "receivable"
	PolarityPayable    Polarity = "payable"
)

// IsValid checks if the polarity is valid.
func (p Polarity) IsValid() bool {
	return p == PolarityReceivable || p == PolarityPayable
}

// OpenItem is an open invoice or bill consumed read-only by the aging
// calculator.
type OpenItem struct {
	ID             string    `json:"id"`
	CounterpartyID string    `json:"counterpartyId"`
	Amount         int64     `json:"amount"`
	DueDate        time.Time `json:"dueDate"`
	Status         string    `json:"status"`
}

// Parsing helpers

// currencyExponents maps ISO currency codes to their minor-unit exponent.
// Anything absent defaults to 2.
var currencyExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"TND": 3,
}

// CurrencyExponent returns the minor-unit exponent for a currency code.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return exp
	}
	return 2
}

// ParseMinorUnits parses a decimal amount string into signed minor units.
// The exponent is the number of minor-unit digits (2 for USD cents). Values
// with sub-minor-unit precision are rejected rather than rounded, so no
// drift can enter at the boundary.
func ParseMinorUnits(s string, exponent int32) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("amount string cannot be empty")
	}

	// Strip currency symbols and thousand separators.
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}

	shifted := d.Shift(exponent)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount '%s' has more than %d decimal places", s, exponent)
	}

	big := shifted.BigInt()
	if !big.IsInt64() {
		return 0, fmt.Errorf("amount '%s' overflows minor-unit range", s)
	}
	return big.Int64(), nil
}

// dateFormats are the calendar-date formats accepted at the boundary.
var dateFormats = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
	"2006/01/02",
}

// ParseTime parses a date or timestamp string using the accepted formats,
// preserving any time-of-day and zone information it carries.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date string cannot be empty")
	}

	var lastErr error
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date '%s': %w", s, lastErr)
}

// ParseDateOnly parses a date string and truncates it to a calendar date in
// UTC. Time-of-day and zone information never influence matching.
func ParseDateOnly(s string) (time.Time, error) {
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, err
	}
	return DateOnly(t, time.UTC), nil
}

// DateOnly truncates t to its calendar date as observed in loc, represented
// at midnight UTC.
func DateOnly(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	year, month, day := t.In(loc).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole-day distance between two calendar dates,
// always non-negative.
func DaysBetween(a, b time.Time) int {
	da := DateOnly(a, time.UTC)
	db := DateOnly(b, time.UTC)
	diff := int(db.Sub(da).Hours() / 24)
	if diff < 0 {
		diff = -diff
	}
	return diff
}

// AbsAmount returns the absolute value of a minor-unit amount.
func AbsAmount(amount int64) int64 {
	if amount < 0 {
		return -amount
	}
	return amount
}
