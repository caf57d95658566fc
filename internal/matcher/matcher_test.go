package matcher

import (
	"context"
	"testing"
	"time"

	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/pkg/errors"
)

func stmtTxn(id string, amount int64, day int, ref, desc string) *models.NormalizedTransaction {
	return &models.NormalizedTransaction{
		ID:          id,
		AccountID:   "ACC-1",
		Source:      models.SourceBank,
		Date:        time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Amount:      amount,
		Currency:    "USD",
		Reference:   ref,
		Description: desc,
	}
}

func bookTxn(id string, amount int64, day int, ref, desc string, seq int) *models.NormalizedTransaction {
	return &models.NormalizedTransaction{
		ID:          id,
		AccountID:   "ACC-1",
		Source:      models.SourceBook,
		Date:        time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Amount:      amount,
		Currency:    "USD",
		Reference:   ref,
		Description: desc,
		Seq:         seq,
	}
}

func TestExactPass(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	stmt := []*models.NormalizedTransaction{
		stmtTxn("S1", 10050, 15, "INV-001", "wire in"),
	}
	book := []*models.NormalizedTransaction{
		bookTxn("B1", 10050, 15, "INV-001", "invoice 1", 0),
	}

	res, err := engine.Reconcile(context.Background(), "STMT-1", stmt, book, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(res.Matches))
	}

	m := res.Matches[0]
	if m.MatchType != models.MatchExact {
		t.Errorf("match type = %s, want exact", m.MatchType)
	}
	if m.Confidence != 100 {
		t.Errorf("confidence = %d, want 100", m.Confidence)
	}
	if m.Variance != 0 {
		t.Errorf("variance = %d, want 0", m.Variance)
	}
	if !m.Active {
		t.Error("new match should be active")
	}
}

func TestExactPassTieBreakByReference(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	stmt := []*models.NormalizedTransaction{
		stmtTxn("S1", 5000, 10, "INV-2024-777", "payment"),
	}
	// Same amount, date, currency; only the reference separates them.
	book := []*models.NormalizedTransaction{
		bookTxn("B1", 5000, 10, "PO-555", "po", 0),
		bookTxn("B2", 5000, 10, "INV-2024-777", "inv", 1),
	}

	res, err := engine.Reconcile(context.Background(), "STMT-1", stmt, book, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(res.Matches))
	}
	if res.Matches[0].BookTransactionID != "B2" {
		t.Errorf("tie-break picked %s, want B2", res.Matches[0].BookTransactionID)
	}
}

func TestExactPassTieBreakBySeq(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	stmt := []*models.NormalizedTransaction{
		stmtTxn("S1", 5000, 10, "REF", "payment"),
	}
	// Identical references too; earliest creation order wins.
	book := []*models.NormalizedTransaction{
		bookTxn("B2", 5000, 10, "REF", "b", 5),
		bookTxn("B1", 5000, 10, "REF", "a", 2),
	}

	res, err := engine.Reconcile(context.Background(), "STMT-1", stmt, book, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Matches[0].BookTransactionID != "B1" {
		t.Errorf("tie-break picked %s, want B1", res.Matches[0].BookTransactionID)
	}
}

func TestRulePassAutoMatch(t *testing.T) {
	engine := NewEngine(&Config{
		FuzzyThreshold:          70,
		EnableFuzzyMatching:     false,
		AutoMatchBaseConfidence: 90,
		AutoMatchDecayPerDay:    5,
		AutoMatchFloor:          50,
		ScoringWorkers:          1,
		Weights:                 Weights{Amount: 0.6, Text: 0.4},
	})

	// Amounts differ so the exact pass skips the pair; the rule pairs them
	// by reference with 3 days of date variance.
	stmt := []*models.NormalizedTransaction{
		stmtTxn("S1", 10000, 15, "INV-001", "wire transfer"),
	}
	book := []*models.NormalizedTransaction{
		bookTxn("B1", 9900, 12, "INV-001", "invoice", 0),
	}
	ruleSet := []*models.ReconciliationRule{{
		ID:       "R1",
		Name:     "wire auto-match",
		IsActive: true,
		Conditions: []models.RuleCondition{
			{Field: models.FieldDescription, Operator: models.OpContains, Value: "wire"},
		},
		Actions: []models.RuleAction{{Type: models.ActionAutoMatch}},
	}}

	res, err := engine.Reconcile(context.Background(), "STMT-1", stmt, book, ruleSet)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(res.Matches))
	}

	m := res.Matches[0]
	if m.MatchType != models.MatchRule {
		t.Errorf("match type = %s, want rule", m.MatchType)
	}
	if m.RuleID != "R1" {
		t.Errorf("rule ID = %s, want R1", m.RuleID)
	}
	if m.Confidence != 75 {
		t.Errorf("confidence = %d, want 75 (90 - 5*3)", m.Confidence)
	}
	if m.Variance != 100 {
		t.Errorf("variance = %d, want 100", m.Variance)
	}
	if res.RuleHits["R1"] != 1 {
		t.Errorf("rule hits = %d, want 1", res.RuleHits["R1"])
	}
}

func TestRulePassConfidenceFloor(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	stmt := []*models.NormalizedTransaction{
		stmtTxn("S1", 10000, 30, "INV-001", "wire transfer"),
	}
	book := []*models.NormalizedTransaction{
		bookTxn("B1", 9900, 1, "INV-001", "invoice", 0),
	}
	ruleSet := []*models.ReconciliationRule{{
		ID:       "R1",
		Name:     "wire auto-match",
		IsActive: true,
		Conditions: []models.RuleCondition{
			{Field: models.FieldDescription, Operator: models.OpContains, Value: "wire"},
		},
		Actions: []models.RuleAction{{Type: models.ActionAutoMatch}},
	}}

	res, err := engine.Reconcile(context.Background(), "STMT-1", stmt, book, ruleSet)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Matches[0].Confidence != 50 {
		t.Errorf("confidence = %d, want floor 50", res.Matches[0].Confidence)
	}
}

func TestRulePassIgnoreKeepsPartition(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	stmt := []*models.NormalizedTransaction{
		stmtTxn("S1", 10000, 15, "", "bank fee"),
	}
	ruleSet := []*models.ReconciliationRule{{
		ID:       "R-IGN",
		Name:     "ignore fees",
		IsActive: true,
		Conditions: []models.RuleCondition{
			{Field: models.FieldDescription, Operator: models.OpContains, Value: "fee"},
		},
		Actions: []models.RuleAction{{Type: models.ActionIgnore}},
	}}

	res, err := engine.Reconcile(context.Background(), "STMT-1", stmt, nil, ruleSet)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.UnmatchedStatement) != 1 {
		t.Fatal("ignored transaction must stay in the unmatched partition")
	}
	if res.Ignored["S1"] != "R-IGN" {
		t.Errorf("Ignored[S1] = %q, want R-IGN", res.Ignored["S1"])
	}
}

func TestFuzzyPass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AmountToleranceMinorUnits = 100
	engine := NewEngine(cfg)

	stmt := []*models.NormalizedTransaction{
		stmtTxn("S1", 10000, 15, "INV-001", "acme invoice january"),
	}
	book := []*models.NormalizedTransaction{
		bookTxn("B1", 10050, 15, "INV-001", "acme invoice january", 0),
	}

	res, err := engine.Reconcile(context.Background(), "STMT-1", stmt, book, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(res.Matches))
	}

	m := res.Matches[0]
	if m.MatchType != models.MatchFuzzy {
		t.Errorf("match type = %s, want fuzzy", m.MatchType)
	}
	if m.Confidence < cfg.FuzzyThreshold {
		t.Errorf("confidence %d below threshold %d", m.Confidence, cfg.FuzzyThreshold)
	}
	if m.Variance != -50 {
		t.Errorf("variance = %d, want -50", m.Variance)
	}
}

func TestFuzzyPassRejectsBeyondTolerance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AmountToleranceMinorUnits = 10
	engine := NewEngine(cfg)

	stmt := []*models.NormalizedTransaction{
		stmtTxn("S1", 10000, 15, "INV-001", "acme invoice"),
	}
	book := []*models.NormalizedTransaction{
		bookTxn("B1", 15000, 15, "INV-001", "acme invoice", 0),
	}

	res, err := engine.Reconcile(context.Background(), "STMT-1", stmt, book, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Matches) != 0 {
		t.Fatalf("got %d matches, want 0", len(res.Matches))
	}
}

func TestFuzzyPassDisabled(t *testing.T) {
	engine := NewEngine(StrictConfig())
	stmt := []*models.NormalizedTransaction{
		stmtTxn("S1", 10000, 15, "INV-001", "acme invoice"),
	}
	book := []*models.NormalizedTransaction{
		bookTxn("B1", 10001, 15, "INV-001", "acme invoice", 0),
	}

	res, err := engine.Reconcile(context.Background(), "STMT-1", stmt, book, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Matches) != 0 {
		t.Error("strict profile must not produce fuzzy matches")
	}
}

func TestPartitionInvariant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AmountToleranceMinorUnits = 100
	engine := NewEngine(cfg)

	stmt := []*models.NormalizedTransaction{
		stmtTxn("S1", 10050, 15, "INV-001", "wire in"),
		stmtTxn("S2", 20000, 16, "INV-002", "acme payment"),
		stmtTxn("S3", 999, 17, "", "mystery"),
	}
	book := []*models.NormalizedTransaction{
		bookTxn("B1", 10050, 15, "INV-001", "invoice 1", 0),
		bookTxn("B2", 20050, 16, "INV-002", "acme payment", 1),
		bookTxn("B3", 7777, 1, "OLD", "stale entry", 2),
	}

	res, err := engine.Reconcile(context.Background(), "STMT-1", stmt, book, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	seen := make(map[string]int)
	for _, m := range res.Matches {
		seen[m.StatementTransactionID]++
		seen[m.BookTransactionID]++
	}
	for _, txn := range res.UnmatchedStatement {
		seen[txn.ID]++
	}
	for _, txn := range res.UnmatchedBook {
		seen[txn.ID]++
	}

	for _, id := range []string{"S1", "S2", "S3", "B1", "B2", "B3"} {
		if seen[id] != 1 {
			t.Errorf("transaction %s appears %d times across the partition, want exactly 1", id, seen[id])
		}
	}
	if res.Summary.Matched != len(res.Matches) {
		t.Errorf("summary matched = %d, want %d", res.Summary.Matched, len(res.Matches))
	}
}

func TestReconcileDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AmountToleranceMinorUnits = 100
	cfg.ScoringWorkers = 4
	engine := NewEngine(cfg)

	stmt := []*models.NormalizedTransaction{
		stmtTxn("S1", 10000, 15, "INV-001", "acme invoice"),
		stmtTxn("S2", 10000, 15, "INV-002", "acme invoice"),
		stmtTxn("S3", 10000, 15, "INV-003", "acme invoice"),
	}
	book := []*models.NormalizedTransaction{
		bookTxn("B1", 10010, 15, "INV-001", "acme invoice", 0),
		bookTxn("B2", 10010, 15, "INV-002", "acme invoice", 1),
		bookTxn("B3", 10010, 15, "INV-003", "acme invoice", 2),
	}

	first, err := engine.Reconcile(context.Background(), "STMT-1", stmt, book, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := engine.Reconcile(context.Background(), "STMT-1", stmt, book, nil)
		if err != nil {
			t.Fatalf("Reconcile run %d: %v", i, err)
		}
		if len(again.Matches) != len(first.Matches) {
			t.Fatalf("run %d produced %d matches, first produced %d", i, len(again.Matches), len(first.Matches))
		}
		for j := range first.Matches {
			if first.Matches[j].StatementTransactionID != again.Matches[j].StatementTransactionID ||
				first.Matches[j].BookTransactionID != again.Matches[j].BookTransactionID {
				t.Fatalf("run %d pairing %d differs: %s->%s vs %s->%s", i, j,
					first.Matches[j].StatementTransactionID, first.Matches[j].BookTransactionID,
					again.Matches[j].StatementTransactionID, again.Matches[j].BookTransactionID)
			}
		}
	}
}

func TestReconcileCanceledContext(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Reconcile(ctx, "STMT-1", []*models.NormalizedTransaction{
		stmtTxn("S1", 100, 15, "", "x"),
	}, nil, nil)
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
	if !errors.HasCode(err, errors.CodeRunCanceled) {
		t.Errorf("expected run_canceled, got %v", err)
	}
	if !errors.HasCategory(err, errors.CategoryRun) {
		t.Errorf("expected run category, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	for _, cfg := range []*Config{DefaultConfig(), StrictConfig(), RelaxedConfig()} {
		if err := cfg.Validate(); err != nil {
			t.Errorf("preset config invalid: %v", err)
		}
	}

	bad := DefaultConfig()
	bad.FuzzyThreshold = 150
	if err := bad.Validate(); err == nil {
		t.Error("threshold above 100 should be rejected")
	}

	bad = DefaultConfig()
	bad.Weights = Weights{Amount: 0.9, Text: 0.9}
	if err := bad.Validate(); err == nil {
		t.Error("weights summing to 1.8 should be rejected")
	}

	bad = DefaultConfig()
	bad.ScoringWorkers = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero workers should be rejected")
	}
}
