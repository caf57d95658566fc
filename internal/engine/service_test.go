package engine

import (
	"context"
	"testing"
	"time"

	"bank-reconciliation-engine/internal/discrepancy"
	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/internal/normalizer"
	"bank-reconciliation-engine/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStores() Stores {
	return Stores{
		Statements: NewMemoryStatementStore(),
		Books:      NewMemoryBookStore(),
		Rules:      NewMemoryRuleStore(),
		Matches:    NewMemoryMatchStore(),
		Items:      NewMemoryItemStore(),
		OpenItems:  NewMemoryOpenItemStore(),
	}
}

func newTestService(t *testing.T, stores Stores) *Service {
	t.Helper()
	service, err := NewService(DefaultConfig(), stores)
	require.NoError(t, err)
	return service
}

func seedStatement(t *testing.T, stores Stores) {
	t.Helper()

	stmt := &models.ReconciliationStatement{
		ID:             "STMT-1",
		AccountID:      "ACC-1",
		Currency:       "USD",
		StatementDate:  time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		OpeningBalance: 0,
		ClosingBalance: 1_000_000,
		Status:         models.StatementPending,
	}
	require.NoError(t, stores.Statements.Save(stmt))

	stores.Statements.(*MemoryStatementStore).PutRows("STMT-1", []normalizer.RawBankRow{
		{Date: "2024-01-15", Amount: "100.50", Description: "WIRE IN", Reference: "INV-001"},
		{Date: "2024-01-20", Amount: "25.00", Description: "UNKNOWN DEPOSIT"},
	})

	stores.Books.(*MemoryBookStore).Put("ACC-1", []normalizer.RawBookEntry{
		{EntryID: "JRN-1", Date: "2024-01-15", Amount: "100.50", Memo: "acme invoice", Reference: "INV-001"},
		{EntryID: "JRN-2", Date: "2024-01-10", Amount: "77.77", Memo: "office supplies"},
	})
}

func TestReconcileFullRun(t *testing.T) {
	stores := newTestStores()
	seedStatement(t, stores)
	service := newTestService(t, stores)

	report, err := service.Reconcile(context.Background(), "STMT-1")
	require.NoError(t, err)

	assert.Equal(t, 2, report.NormalizedStatement)
	assert.Equal(t, 2, report.NormalizedBook)
	assert.Equal(t, 0, report.ExcludedRecords)
	assert.Equal(t, 1, report.Matching.Matched)
	assert.Equal(t, 1, report.Matching.ByType[models.MatchExact])
	assert.Equal(t, 1, report.Matching.UnmatchedStatement)
	assert.Equal(t, 1, report.Matching.UnmatchedBook)
	assert.Equal(t, 1, report.ItemsByType[models.ItemUnmatchedBank])
	assert.Equal(t, 1, report.ItemsByType[models.ItemUnmatchedBook])

	stmt, err := stores.Statements.Get("STMT-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatementCompleted, stmt.Status)
	assert.Equal(t, 2, stmt.TransactionCount)
	assert.Equal(t, 1, stmt.MatchedTransactions)
	assert.Equal(t, 1, stmt.UnmatchedTransactions)
	assert.Equal(t, 2, stmt.Discrepancies)
	require.NotNil(t, stmt.CompletedAt)

	matches, err := stores.Matches.ActiveByStatement("STMT-1")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, models.MatchExact, matches[0].MatchType)
	assert.Equal(t, 100, matches[0].Confidence)
	assert.Equal(t, "JRN-1", matches[0].BookTransactionID)
}

func TestReconcileIdempotentRerun(t *testing.T) {
	stores := newTestStores()
	seedStatement(t, stores)
	service := newTestService(t, stores)

	_, err := service.Reconcile(context.Background(), "STMT-1")
	require.NoError(t, err)

	firstItems, err := service.ListDiscrepancies("ACC-1", discrepancy.Filters{Status: models.ItemPending})
	require.NoError(t, err)
	require.Len(t, firstItems, 2)
	firstMatches, err := stores.Matches.ActiveByStatement("STMT-1")
	require.NoError(t, err)
	require.Len(t, firstMatches, 1)

	// Completed statements can be explicitly re-run; the outcome converges.
	_, err = service.Reconcile(context.Background(), "STMT-1")
	require.NoError(t, err)

	secondItems, err := service.ListDiscrepancies("ACC-1", discrepancy.Filters{Status: models.ItemPending})
	require.NoError(t, err)
	require.Len(t, secondItems, 2, "re-run must not duplicate pending items")
	for i := range firstItems {
		assert.Equal(t, firstItems[i].ID, secondItems[i].ID, "pending item identity must survive a re-run")
	}

	active, err := stores.Matches.ActiveByStatement("STMT-1")
	require.NoError(t, err)
	require.Len(t, active, 1, "only the fresh match stays active")
	assert.NotEqual(t, firstMatches[0].ID, active[0].ID)
}

func TestReconcileCountersScopedPerStatement(t *testing.T) {
	stores := newTestStores()
	seedStatement(t, stores)

	// Second statement on the same account, dated far enough away that its
	// ledger window misses the first statement's entries.
	second := &models.ReconciliationStatement{
		ID:             "STMT-2",
		AccountID:      "ACC-1",
		Currency:       "USD",
		StatementDate:  time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		ClosingBalance: 1_000_000,
		Status:         models.StatementPending,
	}
	require.NoError(t, stores.Statements.Save(second))
	stores.Statements.(*MemoryStatementStore).PutRows("STMT-2", []normalizer.RawBankRow{
		{Date: "2024-06-15", Amount: "12.00", Description: "CARD FEE"},
	})

	service := newTestService(t, stores)
	_, err := service.Reconcile(context.Background(), "STMT-1")
	require.NoError(t, err)
	_, err = service.Reconcile(context.Background(), "STMT-2")
	require.NoError(t, err)

	pending, err := service.ListDiscrepancies("ACC-1", discrepancy.Filters{Status: models.ItemPending})
	require.NoError(t, err)
	require.Len(t, pending, 3)

	first, err := stores.Statements.Get("STMT-1")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Discrepancies, "first statement keeps its own counter")

	stmt, err := stores.Statements.Get("STMT-2")
	require.NoError(t, err)
	assert.Equal(t, 1, stmt.Discrepancies, "second statement counts only its own items")
}

func TestReconcileAbortThresholdAndRetry(t *testing.T) {
	stores := newTestStores()
	seedStatement(t, stores)
	stores.Statements.(*MemoryStatementStore).PutRows("STMT-1", []normalizer.RawBankRow{
		{Date: "2024-01-15", Amount: "garbage", Description: "bad"},
		{Date: "also-garbage", Amount: "10.00", Description: "bad"},
		{Date: "2024-01-16", Amount: "50.00", Description: "fine"},
	})
	service := newTestService(t, stores)

	_, err := service.Reconcile(context.Background(), "STMT-1")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeAbortThreshold))

	stmt, err := stores.Statements.Get("STMT-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatementFailed, stmt.Status)
	assert.NotEmpty(t, stmt.FailureReason)

	// Fix the source records; the failed statement retries through pending.
	stores.Statements.(*MemoryStatementStore).PutRows("STMT-1", []normalizer.RawBankRow{
		{Date: "2024-01-15", Amount: "100.50", Description: "WIRE IN", Reference: "INV-001"},
	})
	report, err := service.Reconcile(context.Background(), "STMT-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.NormalizedStatement)

	stmt, err = stores.Statements.Get("STMT-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatementCompleted, stmt.Status)
	assert.Empty(t, stmt.FailureReason)
}

func TestReconcileTolerableFailuresExcludeAndContinue(t *testing.T) {
	stores := newTestStores()
	seedStatement(t, stores)
	stores.Statements.(*MemoryStatementStore).PutRows("STMT-1", []normalizer.RawBankRow{
		{Date: "2024-01-15", Amount: "100.50", Description: "WIRE IN", Reference: "INV-001"},
		{Date: "2024-01-16", Amount: "20.00", Description: "ok"},
		{Date: "2024-01-17", Amount: "30.00", Description: "ok"},
		{Date: "2024-01-18", Amount: "40.00", Description: "ok"},
		{Date: "2024-01-19", Amount: "bad", Description: "malformed"},
	})
	service := newTestService(t, stores)

	report, err := service.Reconcile(context.Background(), "STMT-1")
	require.NoError(t, err)
	assert.Equal(t, 4, report.NormalizedStatement)
	assert.Equal(t, 1, report.ExcludedRecords)
	require.NotNil(t, report.RecordErrors)
	assert.Equal(t, 1, report.RecordErrors.ByCode[errors.CodeInvalidAmount])
}

func TestReconcileAccountBusy(t *testing.T) {
	stores := newTestStores()
	seedStatement(t, stores)
	service := newTestService(t, stores)

	require.True(t, service.tryLock("ACC-1"))
	defer service.unlock("ACC-1")

	_, err := service.Reconcile(context.Background(), "STMT-1")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeAccountBusy))
	assert.True(t, errors.HasCategory(err, errors.CategoryConcurrency))

	// The rejected attempt must not touch the statement.
	stmt, err := stores.Statements.Get("STMT-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatementPending, stmt.Status)
}

func TestReconcileStateConflict(t *testing.T) {
	stores := newTestStores()
	seedStatement(t, stores)
	stmt, err := stores.Statements.Get("STMT-1")
	require.NoError(t, err)
	stmt.Status = models.StatementInProgress
	require.NoError(t, stores.Statements.Save(stmt))

	service := newTestService(t, stores)
	_, err = service.Reconcile(context.Background(), "STMT-1")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeStateConflict))
}

func TestReconcileUnknownStatement(t *testing.T) {
	service := newTestService(t, newTestStores())
	_, err := service.Reconcile(context.Background(), "NOPE")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestReconcileRuleAutoMatchTelemetry(t *testing.T) {
	stores := newTestStores()
	seedStatement(t, stores)

	// Amounts differ so only the rule can pair the second line.
	stores.Statements.(*MemoryStatementStore).PutRows("STMT-1", []normalizer.RawBankRow{
		{Date: "2024-01-15", Amount: "99.00", Description: "WIRE IN", Reference: "INV-001"},
	})
	rule := &models.ReconciliationRule{
		ID:       "R1",
		Name:     "wire auto-match",
		IsActive: true,
		Conditions: []models.RuleCondition{
			{Field: models.FieldDescription, Operator: models.OpContains, Value: "wire"},
		},
		Actions:   []models.RuleAction{{Type: models.ActionAutoMatch}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, stores.Rules.Save(rule))

	service := newTestService(t, stores)
	report, err := service.Reconcile(context.Background(), "STMT-1")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Matching.ByType[models.MatchRule])
	assert.Equal(t, 1, report.RuleHits["R1"])

	stored, err := stores.Rules.Get("R1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.MatchCount)
}

func TestDiscrepancyLifecycleViaService(t *testing.T) {
	stores := newTestStores()
	seedStatement(t, stores)
	service := newTestService(t, stores)

	_, err := service.Reconcile(context.Background(), "STMT-1")
	require.NoError(t, err)

	items, err := service.ListDiscrepancies("ACC-1", discrepancy.Filters{Status: models.ItemPending})
	require.NoError(t, err)
	require.Len(t, items, 2)

	resolved, err := service.ResolveDiscrepancy(items[0].ID, "booked as bank fee", "analyst")
	require.NoError(t, err)
	assert.Equal(t, models.ItemResolved, resolved.Status)

	ignored, err := service.IgnoreDiscrepancy(items[1].ID, "below review threshold", "analyst")
	require.NoError(t, err)
	assert.Equal(t, models.ItemIgnored, ignored.Status)

	pending, err := service.ListDiscrepancies("ACC-1", discrepancy.Filters{Status: models.ItemPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = service.ResolveDiscrepancy(items[1].ID, "changed my mind", "analyst")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeStateConflict))
}

func TestGetAgingReportViaService(t *testing.T) {
	stores := newTestStores()
	asOf := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	stores.OpenItems.(*MemoryOpenItemStore).Put(models.PolarityReceivable, []*models.OpenItem{
		{ID: "INV-9", CounterpartyID: "CP-1", Amount: 50000, DueDate: asOf.AddDate(0, 0, -45), Status: "open"},
		{ID: "INV-8", CounterpartyID: "CP-1", Amount: 10000, DueDate: asOf.AddDate(0, 0, -45), Status: "closed"},
	})

	service := newTestService(t, stores)
	report, err := service.GetAgingReport(models.PolarityReceivable, asOf)
	require.NoError(t, err)

	assert.Equal(t, int64(50000), report.TotalAmount, "closed items are excluded")
	for _, bucket := range report.Buckets {
		if bucket.Label == "31-60" {
			assert.Equal(t, 1, bucket.Count)
			assert.InDelta(t, 100.0, bucket.Percentage, 0.01)
		}
	}
}

func TestUpsertRuleValidation(t *testing.T) {
	service := newTestService(t, newTestStores())

	bad := &models.ReconciliationRule{
		Name: "broken",
		Conditions: []models.RuleCondition{
			{Field: models.FieldAmount, Operator: models.OpContains, Value: "10"},
		},
		Actions: []models.RuleAction{{Type: models.ActionFlag}},
	}
	_, err := service.UpsertRule(bad)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRule))

	good := &models.ReconciliationRule{
		Name:     "fees",
		IsActive: true,
		Conditions: []models.RuleCondition{
			{Field: models.FieldDescription, Operator: models.OpContains, Value: "fee"},
		},
		Actions: []models.RuleAction{{Type: models.ActionIgnore}},
	}
	saved, err := service.UpsertRule(good)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.False(t, saved.CreatedAt.IsZero())

	require.NoError(t, service.DeactivateRule(saved.ID))
	stored, err := service.stores.Rules.Get(saved.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestRecordManualMatchSupersedes(t *testing.T) {
	stores := newTestStores()
	seedStatement(t, stores)
	service := newTestService(t, stores)

	_, err := service.Reconcile(context.Background(), "STMT-1")
	require.NoError(t, err)

	auto, err := stores.Matches.ActiveByStatement("STMT-1")
	require.NoError(t, err)
	require.Len(t, auto, 1)

	manual, err := service.RecordManualMatch("STMT-1", auto[0].StatementTransactionID, "JRN-2")
	require.NoError(t, err)
	assert.Equal(t, models.MatchManual, manual.MatchType)
	assert.Equal(t, 100, manual.Confidence)

	active, err := stores.Matches.ActiveByStatement("STMT-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, manual.ID, active[0].ID)
}
