// Package aging computes aging snapshots over open receivables and payables.
//
// Reports are pure functions of (open items, as-of date, bucket definitions):
// the calculator never mutates items and never persists anything. Bucket
// boundaries are inclusive on both ends and must tile the day axis without
// gaps or overlaps, so every open item lands in exactly one bucket.
package aging

import (
	"fmt"
	"math"
	"sort"
	"time"

	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// BucketDef defines one aging bucket as an inclusive range of days past due.
// MaxDays < 0 marks the unbounded final bucket.
type BucketDef struct {
	Label   string `json:"label"`
	MinDays int    `json:"min_days"`
	MaxDays int    `json:"max_days"`
}

// unbounded reports whether the bucket has no upper limit.
func (b BucketDef) unbounded() bool {
	return b.MaxDays < 0
}

// contains reports whether daysPast falls inside the bucket.
func (b BucketDef) contains(daysPast int) bool {
	if daysPast < b.MinDays {
		return false
	}
	return b.unbounded() || daysPast <= b.MaxDays
}

// DefaultBucketDefs returns the conventional five-bucket scheme. Items not
// yet due (zero or negative days past) land in the current bucket.
func DefaultBucketDefs() []BucketDef {
	return []BucketDef{
		{Label: "current", MinDays: math.MinInt32, MaxDays: 0},
		{Label: "1-30", MinDays: 1, MaxDays: 30},
		{Label: "31-60", MinDays: 31, MaxDays: 60},
		{Label: "61-90", MinDays: 61, MaxDays: 90},
		{Label: "90+", MinDays: 91, MaxDays: -1},
	}
}

// ValidateBucketDefs checks that the definitions tile the day axis: sorted,
// contiguous, non-overlapping, with exactly one unbounded bucket at the end.
func ValidateBucketDefs(defs []BucketDef) error {
	if len(defs) == 0 {
		return errors.ConfigurationError(errors.CodeInvalidBucket, "buckets", "empty", nil)
	}

	for i, def := range defs {
		if def.Label == "" {
			return errors.ConfigurationError(errors.CodeInvalidBucket,
				fmt.Sprintf("bucket %d", i), "missing label", nil)
		}
		if !def.unbounded() && def.MaxDays < def.MinDays {
			return errors.ConfigurationError(errors.CodeInvalidBucket, def.Label,
				fmt.Sprintf("max %d below min %d", def.MaxDays, def.MinDays), nil)
		}
		if def.unbounded() && i != len(defs)-1 {
			return errors.ConfigurationError(errors.CodeInvalidBucket, def.Label,
				"unbounded bucket must be last", nil)
		}
		if i > 0 {
			prev := defs[i-1]
			if def.MinDays != prev.MaxDays+1 {
				return errors.ConfigurationError(errors.CodeInvalidBucket, def.Label,
					fmt.Sprintf("starts at %d but previous bucket ends at %d", def.MinDays, prev.MaxDays), nil)
			}
		}
	}

	if !defs[len(defs)-1].unbounded() {
		return errors.ConfigurationError(errors.CodeInvalidBucket,
			defs[len(defs)-1].Label, "final bucket must be unbounded", nil)
	}
	return nil
}

// CounterpartyAging is the per-counterparty rollup within a report.
type CounterpartyAging struct {
	CounterpartyID string               `json:"counterparty_id"`
	Buckets        []models.AgingBucket `json:"buckets"`
	TotalAmount    int64                `json:"total_amount"`
}

// Report is a derived aging snapshot as of a given date.
type Report struct {
	AsOf           time.Time            `json:"as_of"`
	Polarity       models.Polarity      `json:"polarity"`
	Buckets        []models.AgingBucket `json:"buckets"`
	ByCounterparty []CounterpartyAging  `json:"by_counterparty"`
	TotalAmount    int64                `json:"total_amount"`
	ItemCount      int                  `json:"item_count"`
}

// Compute builds an aging report over the open items. Items are assigned to
// buckets by whole days past due as of asOf; an item due today or in the
// future has zero days past due. Closed items must be filtered out by the
// caller's store; items with a zero due date are skipped.
func Compute(items []*models.OpenItem, asOf time.Time, defs []BucketDef, polarity models.Polarity) (*Report, error) {
	if !polarity.IsValid() {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "polarity", string(polarity), nil)
	}
	if err := ValidateBucketDefs(defs); err != nil {
		return nil, err
	}

	report := &Report{
		AsOf:     models.DateOnly(asOf, time.UTC),
		Polarity: polarity,
		Buckets:  emptyBuckets(defs),
	}

	perCounterparty := make(map[string][]models.AgingBucket)
	counterpartyTotals := make(map[string]int64)

	for _, item := range items {
		if item.DueDate.IsZero() {
			continue
		}
		idx := bucketIndex(defs, daysPastDue(item.DueDate, report.AsOf))

		report.Buckets[idx].Amount += item.Amount
		report.Buckets[idx].Count++
		report.TotalAmount += item.Amount
		report.ItemCount++

		cp := perCounterparty[item.CounterpartyID]
		if cp == nil {
			cp = emptyBuckets(defs)
		}
		cp[idx].Amount += item.Amount
		cp[idx].Count++
		perCounterparty[item.CounterpartyID] = cp
		counterpartyTotals[item.CounterpartyID] += item.Amount
	}

	fillPercentages(report.Buckets, report.TotalAmount)

	ids := make([]string, 0, len(perCounterparty))
	for id := range perCounterparty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		buckets := perCounterparty[id]
		fillPercentages(buckets, counterpartyTotals[id])
		report.ByCounterparty = append(report.ByCounterparty, CounterpartyAging{
			CounterpartyID: id,
			Buckets:        buckets,
			TotalAmount:    counterpartyTotals[id],
		})
	}

	return report, nil
}

// daysPastDue returns whole days between the due date and asOf, zero when
// the item is not yet due.
func daysPastDue(dueDate, asOf time.Time) int {
	due := models.DateOnly(dueDate, time.UTC)
	if !due.Before(asOf) {
		return 0
	}
	return int(asOf.Sub(due).Hours() / 24)
}

// bucketIndex finds the bucket for daysPast. Validation guarantees the defs
// tile the axis, so the fallback to the last bucket only covers day counts
// below the first bucket's minimum.
func bucketIndex(defs []BucketDef, daysPast int) int {
	for i, def := range defs {
		if def.contains(daysPast) {
			return i
		}
	}
	return len(defs) - 1
}

func emptyBuckets(defs []BucketDef) []models.AgingBucket {
	buckets := make([]models.AgingBucket, len(defs))
	for i, def := range defs {
		buckets[i] = models.AgingBucket{Label: def.Label}
	}
	return buckets
}

// fillPercentages computes each bucket's share of the total using decimal
// arithmetic. All percentages are zero when the total is zero.
func fillPercentages(buckets []models.AgingBucket, total int64) {
	if total == 0 {
		return
	}
	totalDec := decimal.NewFromInt(total)
	hundred := decimal.NewFromInt(100)
	for i := range buckets {
		pct := decimal.NewFromInt(buckets[i].Amount).
			Div(totalDec).
			Mul(hundred).
			Round(2)
		buckets[i].Percentage, _ = pct.Float64()
	}
}
