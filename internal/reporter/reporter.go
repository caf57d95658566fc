// Package reporter renders run reports, discrepancy listings, and aging
// snapshots for terminal display or programmatic consumption.
//
// Supported output formats:
//   - Console: human-readable sections for terminal display
//   - JSON: structured output for downstream tooling
//   - CSV: flat records for spreadsheet analysis (listings only)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"bank-reconciliation-engine/internal/aging"
	"bank-reconciliation-engine/internal/engine"
	"bank-reconciliation-engine/internal/models"

	"github.com/shopspring/decimal"
)

// OutputFormat selects how a report is rendered.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported.
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// Reporter renders engine output in a chosen format.
type Reporter struct {
	format OutputFormat
}

// New creates a reporter for the given format.
func New(format OutputFormat) (*Reporter, error) {
	if !format.IsValid() {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	return &Reporter{format: format}, nil
}

// WriteRunReport renders a reconciliation run report.
func (r *Reporter) WriteRunReport(report *engine.RunReport, w io.Writer) error {
	if report == nil {
		return fmt.Errorf("run report cannot be nil")
	}

	switch r.format {
	case FormatJSON:
		return writeJSON(report, w)
	case FormatConsole:
		return writeRunConsole(report, w)
	default:
		return fmt.Errorf("run reports do not support format: %s", r.format)
	}
}

func writeRunConsole(report *engine.RunReport, w io.Writer) error {
	fmt.Fprintf(w, "RECONCILIATION RUN REPORT\n")
	fmt.Fprintf(w, "Statement: %s (account %s)\n", report.StatementID, report.AccountID)
	fmt.Fprintf(w, "Completed: %s in %v\n\n", report.CompletedAt.Format(time.RFC3339), report.Duration)

	fmt.Fprintf(w, "=== NORMALIZATION ===\n")
	fmt.Fprintf(w, "Statement transactions: %d\n", report.NormalizedStatement)
	fmt.Fprintf(w, "Book transactions:      %d\n", report.NormalizedBook)
	fmt.Fprintf(w, "Excluded records:       %d\n", report.ExcludedRecords)
	if report.RecordErrors != nil {
		for code, count := range report.RecordErrors.ByCode {
			fmt.Fprintf(w, "  %s: %d\n", code, count)
		}
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "=== MATCHING ===\n")
	m := report.Matching
	fmt.Fprintf(w, "Matched:   %d (%.1f%%)\n", m.Matched, percentage(m.Matched, m.TotalStatement))
	for _, mt := range []models.MatchType{models.MatchExact, models.MatchRule, models.MatchFuzzy, models.MatchManual} {
		if count := m.ByType[mt]; count > 0 {
			fmt.Fprintf(w, "  %-7s %d\n", mt, count)
		}
	}
	fmt.Fprintf(w, "Unmatched statement: %d\n", m.UnmatchedStatement)
	fmt.Fprintf(w, "Unmatched book:      %d\n\n", m.UnmatchedBook)

	if len(report.RuleHits) > 0 || report.Categorized > 0 || report.Flagged > 0 || report.Ignored > 0 {
		fmt.Fprintf(w, "=== RULES ===\n")
		for ruleID, hits := range report.RuleHits {
			fmt.Fprintf(w, "  %s: %d hits\n", ruleID, hits)
		}
		fmt.Fprintf(w, "Categorized: %d, Flagged: %d, Ignored: %d\n\n",
			report.Categorized, report.Flagged, report.Ignored)
	}

	fmt.Fprintf(w, "=== DISCREPANCIES ===\n")
	if len(report.ItemsByType) == 0 {
		fmt.Fprintf(w, "None\n")
		return nil
	}
	for _, it := range []models.ItemType{
		models.ItemUnmatchedBank, models.ItemUnmatchedBook, models.ItemAmountMismatch,
		models.ItemDateMismatch, models.ItemDuplicateTransaction, models.ItemMissingTransaction,
	} {
		if count := report.ItemsByType[it]; count > 0 {
			fmt.Fprintf(w, "  %-22s %d\n", it, count)
		}
	}
	for _, p := range []models.ItemPriority{
		models.PriorityCritical, models.PriorityHigh, models.PriorityMedium, models.PriorityLow,
	} {
		if count := report.ItemsByPriority[p]; count > 0 {
			fmt.Fprintf(w, "  priority %-8s %d\n", p, count)
		}
	}
	return nil
}

// WriteAgingReport renders an aging snapshot.
func (r *Reporter) WriteAgingReport(report *aging.Report, currency string, w io.Writer) error {
	if report == nil {
		return fmt.Errorf("aging report cannot be nil")
	}

	switch r.format {
	case FormatJSON:
		return writeJSON(report, w)
	case FormatCSV:
		return writeAgingCSV(report, w)
	case FormatConsole:
		return writeAgingConsole(report, currency, w)
	default:
		return fmt.Errorf("unsupported output format: %s", r.format)
	}
}

func writeAgingConsole(report *aging.Report, currency string, w io.Writer) error {
	fmt.Fprintf(w, "AGING REPORT (%s)\n", report.Polarity)
	fmt.Fprintf(w, "As of: %s\n\n", report.AsOf.Format("2006-01-02"))

	fmt.Fprintf(w, "%-10s %15s %8s %8s\n", "Bucket", "Amount", "Count", "Share")
	for _, bucket := range report.Buckets {
		fmt.Fprintf(w, "%-10s %15s %8d %7.2f%%\n",
			bucket.Label, formatAmount(bucket.Amount, currency), bucket.Count, bucket.Percentage)
	}
	fmt.Fprintf(w, "%-10s %15s %8d\n\n", "Total", formatAmount(report.TotalAmount, currency), report.ItemCount)

	if len(report.ByCounterparty) > 0 {
		fmt.Fprintf(w, "=== BY COUNTERPARTY ===\n")
		for _, cp := range report.ByCounterparty {
			fmt.Fprintf(w, "%s (total %s):\n", cp.CounterpartyID, formatAmount(cp.TotalAmount, currency))
			for _, bucket := range cp.Buckets {
				if bucket.Count == 0 {
					continue
				}
				fmt.Fprintf(w, "  %-10s %15s %8d\n", bucket.Label, formatAmount(bucket.Amount, currency), bucket.Count)
			}
		}
	}
	return nil
}

func writeAgingCSV(report *aging.Report, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"counterparty", "bucket", "amount", "count", "percentage"}); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, bucket := range report.Buckets {
		record := []string{
			"", bucket.Label,
			strconv.FormatInt(bucket.Amount, 10),
			strconv.Itoa(bucket.Count),
			fmt.Sprintf("%.2f", bucket.Percentage),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write bucket record: %w", err)
		}
	}
	for _, cp := range report.ByCounterparty {
		for _, bucket := range cp.Buckets {
			if bucket.Count == 0 {
				continue
			}
			record := []string{
				cp.CounterpartyID, bucket.Label,
				strconv.FormatInt(bucket.Amount, 10),
				strconv.Itoa(bucket.Count),
				fmt.Sprintf("%.2f", bucket.Percentage),
			}
			if err := cw.Write(record); err != nil {
				return fmt.Errorf("failed to write counterparty record: %w", err)
			}
		}
	}
	return nil
}

// WriteItems renders a discrepancy listing.
func (r *Reporter) WriteItems(items []*models.ReconciliationItem, w io.Writer) error {
	switch r.format {
	case FormatJSON:
		return writeJSON(items, w)
	case FormatCSV:
		return writeItemsCSV(items, w)
	case FormatConsole:
		return writeItemsConsole(items, w)
	default:
		return fmt.Errorf("unsupported output format: %s", r.format)
	}
}

func writeItemsConsole(items []*models.ReconciliationItem, w io.Writer) error {
	fmt.Fprintf(w, "DISCREPANCY ITEMS (%d)\n\n", len(items))
	for i, item := range items {
		fmt.Fprintf(w, "%d. [%s/%s] %s txn=%s", i+1, item.Priority, item.Status, item.Type, item.TransactionID)
		if item.ExpectedAmount != nil {
			fmt.Fprintf(w, " expected=%d", *item.ExpectedAmount)
		}
		if item.ActualAmount != nil {
			fmt.Fprintf(w, " actual=%d", *item.ActualAmount)
		}
		if item.Note != "" {
			fmt.Fprintf(w, " note=%q", item.Note)
		}
		fmt.Fprintf(w, "\n")
	}
	return nil
}

func writeItemsCSV(items []*models.ReconciliationItem, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	headers := []string{"id", "account_id", "transaction_id", "type", "status", "priority", "expected", "actual", "note"}
	if err := cw.Write(headers); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, item := range items {
		expected, actual := "", ""
		if item.ExpectedAmount != nil {
			expected = strconv.FormatInt(*item.ExpectedAmount, 10)
		}
		if item.ActualAmount != nil {
			actual = strconv.FormatInt(*item.ActualAmount, 10)
		}
		record := []string{
			item.ID, item.AccountID, item.TransactionID,
			string(item.Type), string(item.Status), string(item.Priority),
			expected, actual, item.Note,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write item record: %w", err)
		}
	}
	return nil
}

func writeJSON(v interface{}, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// formatAmount renders a minor-unit amount as a decimal string in the
// currency's major units.
func formatAmount(amount int64, currency string) string {
	exp := models.CurrencyExponent(currency)
	return decimal.NewFromInt(amount).Shift(-exp).StringFixed(exp)
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}
