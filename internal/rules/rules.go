// Package rules implements the ordered rule-matching pipeline.
//
// Evaluation is a pure function of (transaction, rule set): no side effects,
// no reflection. Each condition is a tagged (field, operator, value) variant
// interpreted by a fixed switch, so rules stay data-driven and sandboxed.
// The caller is responsible for incrementing MatchCount and recording rule
// provenance on whatever Match or Item the outcome produces.
package rules

import (
	"sort"
	"strings"

	"bank-reconciliation-engine/internal/models"
)

// Outcome is the result of the first matching rule. A nil Outcome means no
// rule matched, which is not an error; downstream matching falls back to
// exact/fuzzy comparison.
type Outcome struct {
	Rule    *models.ReconciliationRule
	Actions []models.RuleAction
}

// Action returns the first action of the given type, if present.
func (o *Outcome) Action(actionType string) (models.RuleAction, bool) {
	for _, a := range o.Actions {
		if a.Type == actionType {
			return a, true
		}
	}
	return models.RuleAction{}, false
}

// Evaluate runs the transaction through the rule set and returns the outcome
// of the first matching rule, or nil.
//
// Rules are filtered to those with AccountID unset or equal to the
// transaction's account, then active rules are sorted by (priority asc,
// createdAt asc). All conditions of a rule must hold (logical AND).
func Evaluate(txn *models.NormalizedTransaction, ruleSet []*models.ReconciliationRule) *Outcome {
	applicable := make([]*models.ReconciliationRule, 0, len(ruleSet))
	for _, r := range ruleSet {
		if !r.IsActive {
			continue
		}
		if r.AccountID != "" && r.AccountID != txn.AccountID {
			continue
		}
		applicable = append(applicable, r)
	}

	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].Priority != applicable[j].Priority {
			return applicable[i].Priority < applicable[j].Priority
		}
		return applicable[i].CreatedAt.Before(applicable[j].CreatedAt)
	})

	for _, r := range applicable {
		if ruleMatches(txn, r) {
			return &Outcome{Rule: r, Actions: r.Actions}
		}
	}
	return nil
}

func ruleMatches(txn *models.NormalizedTransaction, r *models.ReconciliationRule) bool {
	for _, c := range r.Conditions {
		if !conditionHolds(txn, c) {
			return false
		}
	}
	return true
}

// conditionHolds interprets one condition. Rules are validated at upsert
// time; anything malformed that slips through evaluates false rather than
// failing the run.
func conditionHolds(txn *models.NormalizedTransaction, c models.RuleCondition) bool {
	switch c.Field {
	case models.FieldDescription:
		return textConditionHolds(txn.Description, c)
	case models.FieldReference:
		return textConditionHolds(txn.Reference, c)
	case models.FieldCategory:
		return textConditionHolds(txn.RawCategory, c)
	case models.FieldAmount:
		return amountConditionHolds(txn.Amount, c)
	case models.FieldDate:
		return dateConditionHolds(txn, c)
	}
	return false
}

func textConditionHolds(value string, c models.RuleCondition) bool {
	have := strings.ToLower(strings.TrimSpace(value))
	want := strings.ToLower(strings.TrimSpace(c.Value))

	switch c.Operator {
	case models.OpEquals:
		return have == want
	case models.OpContains:
		return want != "" && strings.Contains(have, want)
	case models.OpStartsWith:
		return want != "" && strings.HasPrefix(have, want)
	case models.OpEndsWith:
		return want != "" && strings.HasSuffix(have, want)
	}
	return false
}

// amountConditionHolds compares in minor units; condition values are
// minor-unit integers.
func amountConditionHolds(amount int64, c models.RuleCondition) bool {
	switch c.Operator {
	case models.OpBetween:
		parts := strings.Split(c.Value, ",")
		if len(parts) != 2 {
			return false
		}
		lo, err1 := models.ParseMinorUnits(parts[0], 0)
		hi, err2 := models.ParseMinorUnits(parts[1], 0)
		if err1 != nil || err2 != nil {
			return false
		}
		return amount >= lo && amount <= hi
	default:
		want, err := models.ParseMinorUnits(c.Value, 0)
		if err != nil {
			return false
		}
		switch c.Operator {
		case models.OpEquals:
			return amount == want
		case models.OpGreaterThan:
			return amount > want
		case models.OpLessThan:
			return amount < want
		}
	}
	return false
}

func dateConditionHolds(txn *models.NormalizedTransaction, c models.RuleCondition) bool {
	date := models.DateOnly(txn.Date, nil)

	switch c.Operator {
	case models.OpBetween:
		parts := strings.Split(c.Value, ",")
		if len(parts) != 2 {
			return false
		}
		lo, err1 := models.ParseDateOnly(parts[0])
		hi, err2 := models.ParseDateOnly(parts[1])
		if err1 != nil || err2 != nil {
			return false
		}
		return !date.Before(lo) && !date.After(hi)
	default:
		want, err := models.ParseDateOnly(c.Value)
		if err != nil {
			return false
		}
		switch c.Operator {
		case models.OpEquals:
			return date.Equal(want)
		case models.OpGreaterThan:
			return date.After(want)
		case models.OpLessThan:
			return date.Before(want)
		}
	}
	return false
}
