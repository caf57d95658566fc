// Package discrepancy derives ReconciliationItem records from matching
// residue and manages their resolution lifecycle.
//
// Items follow a strict state machine: pending -> resolved or pending ->
// ignored, both terminal and both requiring an actor. Reopening is modeled
// as creating a new item, never mutating a closed one, so the audit trail
// stays intact. Re-deriving against the same statement updates the existing
// pending item for an idempotency key instead of duplicating it.
package discrepancy

import (
	"fmt"
	"time"

	"bank-reconciliation-engine/internal/matcher"
	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/pkg/errors"
	"bank-reconciliation-engine/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds the discrepancy derivation thresholds. All values are
// supplied as data; the defaults are starting points, not constants.
type Config struct {
	// MaterialityRatio is the variance-to-closing-balance ratio above
	// which an item is critical. Default 0.01 (1% of closing balance).
	MaterialityRatio float64 `json:"materiality_ratio"`

	// AgeCriticalDays promotes items older than this to critical.
	AgeCriticalDays int `json:"age_critical_days"`

	// HighAmountThreshold and MediumAmountThreshold scale the remaining
	// priorities by absolute amount, in minor units.
	HighAmountThreshold   int64 `json:"high_amount_threshold"`
	MediumAmountThreshold int64 `json:"medium_amount_threshold"`

	// GraceDays is the account's date grace period: matched pairs whose
	// dates differ by more become date_mismatch items.
	GraceDays int `json:"grace_days"`
}

// DefaultConfig returns the default derivation thresholds.
func DefaultConfig() *Config {
	return &Config{
		MaterialityRatio:      0.01,
		AgeCriticalDays:       30,
		HighAmountThreshold:   100_000,
		MediumAmountThreshold: 10_000,
		GraceDays:             3,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaterialityRatio < 0 || c.MaterialityRatio > 1 {
		return fmt.Errorf("materiality ratio must be between 0 and 1: %f", c.MaterialityRatio)
	}
	if c.AgeCriticalDays < 0 {
		return fmt.Errorf("age critical days cannot be negative: %d", c.AgeCriticalDays)
	}
	if c.HighAmountThreshold < c.MediumAmountThreshold {
		return fmt.Errorf("high amount threshold must be at least the medium threshold")
	}
	if c.GraceDays < 0 {
		return fmt.Errorf("grace days cannot be negative: %d", c.GraceDays)
	}
	return nil
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Filters narrows a discrepancy listing. Zero values match everything.
type Filters struct {
	Status   models.ItemStatus
	Type     models.ItemType
	Priority models.ItemPriority
}

// ItemStore is the persistence contract for discrepancy items. The storage
// technology behind it is a collaborator concern.
type ItemStore interface {
	FindPending(accountID, transactionID string, itemType models.ItemType) (*models.ReconciliationItem, error)
	Save(item *models.ReconciliationItem) error
	Get(id string) (*models.ReconciliationItem, error)
	List(accountID string, f Filters) ([]*models.ReconciliationItem, error)
}

// RunContext carries the per-run inputs that influence derivation.
type RunContext struct {
	AccountID      string
	ClosingBalance int64
	AsOf           time.Time
}

// Manager derives and manages discrepancy items.
type Manager struct {
	cfg   *Config
	store ItemStore
	log   logger.Logger
}

// NewManager creates a discrepancy manager.
func NewManager(cfg *Config, store ItemStore) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		log:   logger.GetGlobalLogger().WithComponent("discrepancy"),
	}
}

// Derive builds the discrepancy items implied by a matching result:
// unmatched residue on both sides, matches beyond amount or date tolerance,
// and duplicate statement lines. Matches with nonzero variance are recorded
// alongside their amount_mismatch item, so partial-confidence pairings stay
// visible.
func (m *Manager) Derive(
	rc RunContext,
	stmtTxns, bookTxns []*models.NormalizedTransaction,
	res *matcher.Result,
) []*models.ReconciliationItem {

	byID := make(map[string]*models.NormalizedTransaction, len(stmtTxns)+len(bookTxns))
	for _, t := range stmtTxns {
		byID[t.ID] = t
	}
	for _, t := range bookTxns {
		byID[t.ID] = t
	}

	var items []*models.ReconciliationItem

	items = append(items, m.deriveDuplicates(rc, stmtTxns)...)

	for _, txn := range res.UnmatchedStatement {
		if _, suppressed := res.Ignored[txn.ID]; suppressed {
			continue
		}
		actual := txn.Amount
		items = append(items, m.newItem(rc, txn.ID, "", models.ItemUnmatchedBank, nil, &actual,
			m.priorityFor(txn.Amount, daysPast(txn.Date, rc.AsOf), rc.ClosingBalance)))
	}

	for _, txn := range res.UnmatchedBook {
		expected := txn.Amount
		items = append(items, m.newItem(rc, txn.ID, "", models.ItemUnmatchedBook, &expected, nil,
			m.priorityFor(txn.Amount, daysPast(txn.Date, rc.AsOf), rc.ClosingBalance)))
	}

	for _, match := range res.Matches {
		stmt := byID[match.StatementTransactionID]
		book := byID[match.BookTransactionID]
		if stmt == nil || book == nil {
			continue
		}

		if match.Variance != 0 {
			expected, actual := book.Amount, stmt.Amount
			items = append(items, m.newItem(rc, stmt.ID, book.ID, models.ItemAmountMismatch, &expected, &actual,
				m.priorityFor(match.Variance, daysPast(stmt.Date, rc.AsOf), rc.ClosingBalance)))
		}

		if models.DaysBetween(stmt.Date, book.Date) > m.cfg.GraceDays {
			items = append(items, m.newItem(rc, stmt.ID, book.ID, models.ItemDateMismatch, nil, nil,
				m.priorityFor(stmt.Amount, daysPast(stmt.Date, rc.AsOf), rc.ClosingBalance)))
		}
	}

	return items
}

// deriveDuplicates flags statement lines that repeat the same (amount,
// date, reference) within one statement. The first occurrence is treated as
// canonical; every repeat gets an item.
func (m *Manager) deriveDuplicates(rc RunContext, stmtTxns []*models.NormalizedTransaction) []*models.ReconciliationItem {
	seen := make(map[string]string)
	var items []*models.ReconciliationItem

	for _, txn := range stmtTxns {
		key := fmt.Sprintf("%d|%s|%s", txn.Amount, txn.DateKey(), txn.Reference)
		if firstID, dup := seen[key]; dup {
			actual := txn.Amount
			items = append(items, m.newItem(rc, txn.ID, firstID, models.ItemDuplicateTransaction, nil, &actual,
				m.priorityFor(txn.Amount, daysPast(txn.Date, rc.AsOf), rc.ClosingBalance)))
			continue
		}
		seen[key] = txn.ID
	}
	return items
}

func (m *Manager) newItem(
	rc RunContext,
	transactionID, relatedID string,
	itemType models.ItemType,
	expected, actual *int64,
	priority models.ItemPriority,
) *models.ReconciliationItem {
	return &models.ReconciliationItem{
		ID:                   uuid.NewString(),
		AccountID:            rc.AccountID,
		TransactionID:        transactionID,
		RelatedTransactionID: relatedID,
		Type:                 itemType,
		ExpectedAmount:       expected,
		ActualAmount:         actual,
		Status:               models.ItemPending,
		Priority:             priority,
		CreatedAt:            time.Now().UTC(),
	}
}

// priorityFor assigns review priority. Critical when the amount breaches
// the materiality threshold relative to the closing balance or the item is
// older than the critical age; otherwise scaled by absolute amount.
func (m *Manager) priorityFor(amount int64, ageDays int, closingBalance int64) models.ItemPriority {
	if ageDays > m.cfg.AgeCriticalDays {
		return models.PriorityCritical
	}

	abs := models.AbsAmount(amount)
	if closingBalance != 0 && m.cfg.MaterialityRatio > 0 {
		ratio := decimal.NewFromInt(abs).Div(decimal.NewFromInt(models.AbsAmount(closingBalance)))
		if ratio.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.MaterialityRatio)) {
			return models.PriorityCritical
		}
	}

	switch {
	case abs >= m.cfg.HighAmountThreshold:
		return models.PriorityHigh
	case abs >= m.cfg.MediumAmountThreshold:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// daysPast returns how many whole days date lies before asOf; zero when it
// does not.
func daysPast(date, asOf time.Time) int {
	d := models.DateOnly(date, time.UTC)
	a := models.DateOnly(asOf, time.UTC)
	if !d.Before(a) {
		return 0
	}
	return int(a.Sub(d).Hours() / 24)
}

// Apply persists derived items idempotently: an existing pending item with
// the same (account, transaction, type) key has its derived fields updated
// in place; closed items are never reopened; everything else is created.
func (m *Manager) Apply(items []*models.ReconciliationItem) ([]*models.ReconciliationItem, error) {
	applied := make([]*models.ReconciliationItem, 0, len(items))

	for _, item := range items {
		existing, err := m.store.FindPending(item.AccountID, item.TransactionID, item.Type)
		if err != nil {
			return nil, errors.InternalError("discrepancy lookup", err)
		}

		if existing != nil {
			existing.ExpectedAmount = item.ExpectedAmount
			existing.ActualAmount = item.ActualAmount
			existing.Priority = item.Priority
			existing.RelatedTransactionID = item.RelatedTransactionID
			if err := m.store.Save(existing); err != nil {
				return nil, errors.InternalError("discrepancy update", err)
			}
			applied = append(applied, existing)
			continue
		}

		if err := m.store.Save(item); err != nil {
			return nil, errors.InternalError("discrepancy save", err)
		}
		applied = append(applied, item)
	}

	m.log.WithField("items", len(applied)).Debug("Applied discrepancy items")
	return applied, nil
}

// Resolve closes a pending item as resolved. A resolution note and acting
// user are required; resolved is terminal.
func (m *Manager) Resolve(itemID, note, actor string) (*models.ReconciliationItem, error) {
	return m.close(itemID, models.ItemResolved, note, actor)
}

// Ignore closes a pending item as ignored. A reason and acting user are
// required; ignored is terminal.
func (m *Manager) Ignore(itemID, reason, actor string) (*models.ReconciliationItem, error) {
	return m.close(itemID, models.ItemIgnored, reason, actor)
}

func (m *Manager) close(itemID string, status models.ItemStatus, note, actor string) (*models.ReconciliationItem, error) {
	if actor == "" {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "actor", actor, nil).
			WithSuggestion("closing a discrepancy requires the acting user")
	}
	if note == "" {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "note", note, nil).
			WithSuggestion("closing a discrepancy requires a note or reason")
	}

	item, err := m.store.Get(itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, errors.NotFoundError("reconciliation item", itemID)
	}
	if item.Status.IsTerminal() {
		return nil, errors.StateConflictError("reconciliation item", itemID, string(item.Status), string(status))
	}

	now := time.Now().UTC()
	item.Status = status
	item.Note = note
	item.ResolvedBy = actor
	item.ResolvedAt = &now

	if err := m.store.Save(item); err != nil {
		return nil, errors.InternalError("discrepancy close", err)
	}

	m.log.WithFields(logger.Fields{
		"item_id": itemID,
		"status":  status,
		"actor":   actor,
	}).Info("Closed discrepancy item")
	return item, nil
}

// List returns items for an account matching the filters.
func (m *Manager) List(accountID string, f Filters) ([]*models.ReconciliationItem, error) {
	return m.store.List(accountID, f)
}
