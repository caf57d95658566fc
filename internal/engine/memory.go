package engine

import (
	"sort"
	"sync"
	"time"

	"bank-reconciliation-engine/internal/discrepancy"
	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/internal/normalizer"
	"bank-reconciliation-engine/pkg/errors"
)

// In-memory store implementations. They back the CLI and the test suite;
// a database-backed set can replace them behind the same interfaces.

// MemoryStatementStore is an in-memory StatementStore.
type MemoryStatementStore struct {
	mu         sync.RWMutex
	statements map[string]*models.ReconciliationStatement
	rows       map[string][]normalizer.RawBankRow
}

// NewMemoryStatementStore creates an empty statement store.
func NewMemoryStatementStore() *MemoryStatementStore {
	return &MemoryStatementStore{
		statements: make(map[string]*models.ReconciliationStatement),
		rows:       make(map[string][]normalizer.RawBankRow),
	}
}

// Get returns a copy of the statement.
func (s *MemoryStatementStore) Get(id string) (*models.ReconciliationStatement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stmt, ok := s.statements[id]
	if !ok {
		return nil, errors.NotFoundError("statement", id)
	}
	clone := *stmt
	return &clone, nil
}

// Save stores a copy of the statement.
func (s *MemoryStatementStore) Save(stmt *models.ReconciliationStatement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *stmt
	s.statements[stmt.ID] = &clone
	return nil
}

// Rows returns the raw statement lines.
func (s *MemoryStatementStore) Rows(statementID string) ([]normalizer.RawBankRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.rows[statementID]
	if !ok {
		return nil, errors.NotFoundError("statement rows", statementID)
	}
	out := make([]normalizer.RawBankRow, len(rows))
	copy(out, rows)
	return out, nil
}

// PutRows attaches raw statement lines to a statement ID.
func (s *MemoryStatementStore) PutRows(statementID string, rows []normalizer.RawBankRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]normalizer.RawBankRow, len(rows))
	copy(stored, rows)
	s.rows[statementID] = stored
}

// MemoryBookStore is an in-memory BookStore.
type MemoryBookStore struct {
	mu      sync.RWMutex
	entries map[string][]bookEntry
}

type bookEntry struct {
	raw  normalizer.RawBookEntry
	date time.Time
}

// NewMemoryBookStore creates an empty book store.
func NewMemoryBookStore() *MemoryBookStore {
	return &MemoryBookStore{entries: make(map[string][]bookEntry)}
}

// Put appends ledger entries for an account. Entries with unparseable dates
// are stored with a zero date and always fall inside the window, so the
// normalizer reports them instead of the store hiding them.
func (s *MemoryBookStore) Put(accountID string, entries []normalizer.RawBookEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		var date time.Time
		if parsed, err := models.ParseDateOnly(e.Date); err == nil {
			date = parsed
		}
		s.entries[accountID] = append(s.entries[accountID], bookEntry{raw: e, date: date})
	}
}

// Entries returns the ledger entries dated within [from, to].
func (s *MemoryBookStore) Entries(accountID string, from, to time.Time) ([]normalizer.RawBookEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []normalizer.RawBookEntry
	for _, e := range s.entries[accountID] {
		if e.date.IsZero() || (!e.date.Before(from) && !e.date.After(to)) {
			out = append(out, e.raw)
		}
	}
	return out, nil
}

// MemoryRuleStore is an in-memory RuleStore.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*models.ReconciliationRule
}

// NewMemoryRuleStore creates an empty rule store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]*models.ReconciliationRule)}
}

// Get returns a copy of the rule.
func (s *MemoryRuleStore) Get(id string) (*models.ReconciliationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, errors.NotFoundError("rule", id)
	}
	clone := *rule
	return &clone, nil
}

// Save stores a copy of the rule.
func (s *MemoryRuleStore) Save(rule *models.ReconciliationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rule
	s.rules[rule.ID] = &clone
	return nil
}

// ListActive returns the active rules that apply to the account: rules bound
// to it plus global rules with no account binding.
func (s *MemoryRuleStore) ListActive(accountID string) ([]*models.ReconciliationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ReconciliationRule
	for _, rule := range s.rules {
		if !rule.IsActive {
			continue
		}
		if rule.AccountID != "" && rule.AccountID != accountID {
			continue
		}
		clone := *rule
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryMatchStore is an in-memory MatchStore.
type MemoryMatchStore struct {
	mu      sync.RWMutex
	matches map[string]*models.ReconciliationMatch
}

// NewMemoryMatchStore creates an empty match store.
func NewMemoryMatchStore() *MemoryMatchStore {
	return &MemoryMatchStore{matches: make(map[string]*models.ReconciliationMatch)}
}

// Save stores a copy of the match.
func (s *MemoryMatchStore) Save(match *models.ReconciliationMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *match
	s.matches[match.ID] = &clone
	return nil
}

// ActiveByStatement returns the active matches for a statement, ordered by
// match ID.
func (s *MemoryMatchStore) ActiveByStatement(statementID string) ([]*models.ReconciliationMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ReconciliationMatch
	for _, m := range s.matches {
		if m.StatementID == statementID && m.Active {
			clone := *m
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryItemStore is an in-memory discrepancy.ItemStore.
type MemoryItemStore struct {
	mu    sync.RWMutex
	items map[string]*models.ReconciliationItem
}

// NewMemoryItemStore creates an empty item store.
func NewMemoryItemStore() *MemoryItemStore {
	return &MemoryItemStore{items: make(map[string]*models.ReconciliationItem)}
}

// FindPending returns the pending item with the given idempotency key, or
// nil when none exists.
func (s *MemoryItemStore) FindPending(accountID, transactionID string, itemType models.ItemType) (*models.ReconciliationItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.items {
		if item.Status == models.ItemPending &&
			item.AccountID == accountID &&
			item.TransactionID == transactionID &&
			item.Type == itemType {
			clone := *item
			return &clone, nil
		}
	}
	return nil, nil
}

// Save stores a copy of the item.
func (s *MemoryItemStore) Save(item *models.ReconciliationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *item
	s.items[item.ID] = &clone
	return nil
}

// Get returns a copy of the item, or nil when it does not exist.
func (s *MemoryItemStore) Get(id string) (*models.ReconciliationItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	clone := *item
	return &clone, nil
}

// List returns the account's items matching the filters, ordered by creation
// time then ID.
func (s *MemoryItemStore) List(accountID string, f discrepancy.Filters) ([]*models.ReconciliationItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ReconciliationItem
	for _, item := range s.items {
		if item.AccountID != accountID {
			continue
		}
		if f.Status != "" && item.Status != f.Status {
			continue
		}
		if f.Type != "" && item.Type != f.Type {
			continue
		}
		if f.Priority != "" && item.Priority != f.Priority {
			continue
		}
		clone := *item
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MemoryOpenItemStore is an in-memory OpenItemStore.
type MemoryOpenItemStore struct {
	mu          sync.RWMutex
	receivables []*models.OpenItem
	payables    []*models.OpenItem
}

// NewMemoryOpenItemStore creates an empty open-item store.
func NewMemoryOpenItemStore() *MemoryOpenItemStore {
	return &MemoryOpenItemStore{}
}

// Put appends open items under a polarity.
func (s *MemoryOpenItemStore) Put(polarity models.Polarity, items []*models.OpenItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		clone := *item
		switch polarity {
		case models.PolarityReceivable:
			s.receivables = append(s.receivables, &clone)
		case models.PolarityPayable:
			s.payables = append(s.payables, &clone)
		}
	}
}

// ListOpen returns the open (non-closed) items for a polarity.
func (s *MemoryOpenItemStore) ListOpen(polarity models.Polarity) ([]*models.OpenItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source := s.receivables
	if polarity == models.PolarityPayable {
		source = s.payables
	}

	var out []*models.OpenItem
	for _, item := range source {
		if item.Status == "closed" {
			continue
		}
		clone := *item
		out = append(out, &clone)
	}
	return out, nil
}
