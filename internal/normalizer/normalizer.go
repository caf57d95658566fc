// Package normalizer converts heterogeneous raw records (bank statement
// lines and book ledger entries) into the common NormalizedTransaction
// shape consumed by the matching pipeline.
//
// Per-record failures never abort a batch and are never silently dropped:
// every malformed record is returned as a RecordError so the caller can
// count it against the abort threshold, retry it, or flag it for manual
// entry.
package normalizer

import (
	"fmt"
	"strings"
	"time"

	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/pkg/errors"
	"bank-reconciliation-engine/pkg/logger"
)

// RawBankRow is one decoded statement line as delivered by the external
// statement-ingestion collaborator. All fields arrive as text.
type RawBankRow struct {
	Date           string `json:"date"`
	Amount         string `json:"amount"`
	Description    string `json:"description"`
	Reference      string `json:"reference"`
	RunningBalance string `json:"runningBalance,omitempty"`
}

// RawBookEntry is one ledger entry as delivered by the storage layer.
type RawBookEntry struct {
	EntryID   string `json:"entryId"`
	Date      string `json:"date"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency,omitempty"`
	Memo      string `json:"memo"`
	Reference string `json:"reference"`
	Category  string `json:"category,omitempty"`
}

// RecordError ties a normalization failure to the record it came from.
type RecordError struct {
	Index  int           `json:"index"`
	Source models.Source `json:"source"`
	Err    *errors.EngineError
}

// Error implements the error interface.
func (re *RecordError) Error() string {
	return fmt.Sprintf("%s record %d: %s", re.Source, re.Index, re.Err.Error())
}

// Normalizer converts raw records for one account.
type Normalizer struct {
	currency string
	exponent int32
	loc      *time.Location
	log      logger.Logger
}

// New creates a normalizer for an account's currency and local timezone.
// Dates are truncated to the account's local calendar date.
func New(currency string, loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{
		currency: strings.ToUpper(strings.TrimSpace(currency)),
		exponent: models.CurrencyExponent(currency),
		loc:      loc,
		log:      logger.GetGlobalLogger().WithComponent("normalizer"),
	}
}

// NormalizeBankRows converts statement lines into normalized transactions.
// The idPrefix (normally the statement ID) makes transaction IDs stable
// across re-runs of the same statement, which is what keeps discrepancy
// idempotency keys stable.
func (n *Normalizer) NormalizeBankRows(accountID, idPrefix string, rows []RawBankRow) ([]*models.NormalizedTransaction, []*RecordError) {
	transactions := make([]*models.NormalizedTransaction, 0, len(rows))
	var failures []*RecordError

	for i, row := range rows {
		txn, err := n.normalizeBankRow(accountID, idPrefix, i, row)
		if err != nil {
			failures = append(failures, &RecordError{Index: i, Source: models.SourceBank, Err: err})
			continue
		}
		transactions = append(transactions, txn)
	}

	if len(failures) > 0 {
		n.log.WithFields(logger.Fields{
			"account_id": accountID,
			"total":      len(rows),
			"excluded":   len(failures),
		}).Warn("Excluded malformed bank statement rows")
	}
	return transactions, failures
}

func (n *Normalizer) normalizeBankRow(accountID, idPrefix string, index int, row RawBankRow) (*models.NormalizedTransaction, *errors.EngineError) {
	amount, dateVal, err := n.parseCommon(row.Amount, row.Date)
	if err != nil {
		return nil, err
	}
	return &models.NormalizedTransaction{
		ID:          fmt.Sprintf("%s-bank-%04d", idPrefix, index),
		AccountID:   accountID,
		Source:      models.SourceBank,
		Date:        dateVal,
		Amount:      amount,
		Currency:    n.currency,
		Description: strings.TrimSpace(row.Description),
		Reference:   strings.TrimSpace(row.Reference),
		Seq:         index,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// NormalizeBookEntries converts ledger entries into normalized transactions.
// Entries carrying their own currency must agree with the account currency;
// a mismatch is a record failure, not a silent conversion.
func (n *Normalizer) NormalizeBookEntries(accountID string, entries []RawBookEntry) ([]*models.NormalizedTransaction, []*RecordError) {
	transactions := make([]*models.NormalizedTransaction, 0, len(entries))
	var failures []*RecordError

	for i, entry := range entries {
		txn, err := n.normalizeBookEntry(accountID, i, entry)
		if err != nil {
			failures = append(failures, &RecordError{Index: i, Source: models.SourceBook, Err: err})
			continue
		}
		transactions = append(transactions, txn)
	}

	if len(failures) > 0 {
		n.log.WithFields(logger.Fields{
			"account_id": accountID,
			"total":      len(entries),
			"excluded":   len(failures),
		}).Warn("Excluded malformed book entries")
	}
	return transactions, failures
}

func (n *Normalizer) normalizeBookEntry(accountID string, index int, entry RawBookEntry) (*models.NormalizedTransaction, *errors.EngineError) {
	if strings.TrimSpace(entry.EntryID) == "" {
		return nil, errors.NormalizationError(errors.CodeMissingField, "entryId", entry.EntryID, nil)
	}
	if entry.Currency != "" && !strings.EqualFold(strings.TrimSpace(entry.Currency), n.currency) {
		return nil, errors.NormalizationError(errors.CodeInvalidAmount, "currency", entry.Currency, nil).
			WithSuggestion(fmt.Sprintf("book entries for this account must be in %s", n.currency))
	}

	amount, dateVal, err := n.parseCommon(entry.Amount, entry.Date)
	if err != nil {
		return nil, err
	}
	return &models.NormalizedTransaction{
		ID:          entry.EntryID,
		AccountID:   accountID,
		Source:      models.SourceBook,
		Date:        dateVal,
		Amount:      amount,
		Currency:    n.currency,
		Description: strings.TrimSpace(entry.Memo),
		Reference:   strings.TrimSpace(entry.Reference),
		RawCategory: strings.TrimSpace(entry.Category),
		Seq:         index,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (n *Normalizer) parseCommon(amountStr, dateStr string) (int64, time.Time, *errors.EngineError) {
	if strings.TrimSpace(amountStr) == "" {
		return 0, time.Time{}, errors.NormalizationError(errors.CodeMissingField, "amount", amountStr, nil)
	}
	amount, err := models.ParseMinorUnits(amountStr, n.exponent)
	if err != nil {
		return 0, time.Time{}, errors.NormalizationError(errors.CodeInvalidAmount, "amount", amountStr, err)
	}

	if strings.TrimSpace(dateStr) == "" {
		return 0, time.Time{}, errors.NormalizationError(errors.CodeMissingField, "date", dateStr, nil)
	}
	parsed, err := models.ParseTime(dateStr)
	if err != nil {
		return 0, time.Time{}, errors.NormalizationError(errors.CodeInvalidDate, "date", dateStr, err)
	}
	return amount, models.DateOnly(parsed, n.loc), nil
}
