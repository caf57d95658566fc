package engine

import (
	"time"

	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/internal/normalizer"
)

// StatementStore persists reconciliation statements and serves their raw
// rows. Raw rows are ingested by an external collaborator; the engine only
// reads them.
type StatementStore interface {
	Get(id string) (*models.ReconciliationStatement, error)
	Save(stmt *models.ReconciliationStatement) error
	Rows(statementID string) ([]normalizer.RawBankRow, error)
}

// BookStore serves the internally recorded ledger entries for an account
// within a date window.
type BookStore interface {
	Entries(accountID string, from, to time.Time) ([]normalizer.RawBookEntry, error)
}

// RuleStore persists reconciliation rules.
type RuleStore interface {
	Get(id string) (*models.ReconciliationRule, error)
	Save(rule *models.ReconciliationRule) error
	ListActive(accountID string) ([]*models.ReconciliationRule, error)
}

// MatchStore persists reconciliation matches. Matches are append-mostly:
// superseding retires a match in place but never deletes it.
type MatchStore interface {
	Save(match *models.ReconciliationMatch) error
	ActiveByStatement(statementID string) ([]*models.ReconciliationMatch, error)
}

// OpenItemStore serves the open receivables or payables consumed read-only
// by the aging calculator.
type OpenItemStore interface {
	ListOpen(polarity models.Polarity) ([]*models.OpenItem, error)
}
