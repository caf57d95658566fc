package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"bank-reconciliation-engine/internal/engine"
	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/internal/normalizer"
)

// Workspace is the JSON shape of a data file: statements with their raw
// rows, ledger entries per account, rules, and open items for aging.
type Workspace struct {
	Statements  []WorkspaceStatement                 `json:"statements"`
	BookEntries map[string][]normalizer.RawBookEntry `json:"book_entries"`
	Rules       []*models.ReconciliationRule         `json:"rules,omitempty"`
	Receivables []*models.OpenItem                   `json:"receivables,omitempty"`
	Payables    []*models.OpenItem                   `json:"payables,omitempty"`
}

// WorkspaceStatement couples a statement header with its raw lines.
type WorkspaceStatement struct {
	Statement *models.ReconciliationStatement `json:"statement"`
	Rows      []normalizer.RawBankRow         `json:"rows"`
}

// loadWorkspace reads a data file and populates a fresh set of in-memory
// stores from it.
func loadWorkspace(path string) (engine.Stores, error) {
	var stores engine.Stores

	data, err := os.ReadFile(path)
	if err != nil {
		return stores, fmt.Errorf("cannot read data file %s: %w", path, err)
	}

	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return stores, fmt.Errorf("cannot parse data file %s: %w", path, err)
	}

	statements := engine.NewMemoryStatementStore()
	books := engine.NewMemoryBookStore()
	rules := engine.NewMemoryRuleStore()
	openItems := engine.NewMemoryOpenItemStore()

	for _, entry := range ws.Statements {
		if entry.Statement == nil {
			return stores, fmt.Errorf("data file %s: statement entry without a statement header", path)
		}
		if entry.Statement.Status == "" {
			entry.Statement.Status = models.StatementPending
		}
		if err := statements.Save(entry.Statement); err != nil {
			return stores, err
		}
		statements.PutRows(entry.Statement.ID, entry.Rows)
	}

	for accountID, entries := range ws.BookEntries {
		books.Put(accountID, entries)
	}
	for _, rule := range ws.Rules {
		if err := rules.Save(rule); err != nil {
			return stores, err
		}
	}
	openItems.Put(models.PolarityReceivable, ws.Receivables)
	openItems.Put(models.PolarityPayable, ws.Payables)

	return engine.Stores{
		Statements: statements,
		Books:      books,
		Rules:      rules,
		Matches:    engine.NewMemoryMatchStore(),
		Items:      engine.NewMemoryItemStore(),
		OpenItems:  openItems,
	}, nil
}
