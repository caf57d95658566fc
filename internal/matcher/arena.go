package matcher

import (
	"fmt"
	"sort"

	"bank-reconciliation-engine/internal/models"
)

// arena is the explicit per-run matching state: the pools of still-unmatched
// statement and book transactions, plus lookup indexes over the book side.
// Each pass consumes the residue of the previous one; the claim step is the
// single commit point that preserves the matched-at-most-once invariant.
type arena struct {
	stmt []*models.NormalizedTransaction
	book []*models.NormalizedTransaction

	stmtUnmatched map[string]bool
	bookUnmatched map[string]bool

	bookByID  map[string]*models.NormalizedTransaction
	bookByKey map[string][]*models.NormalizedTransaction
	bookByRef map[string][]*models.NormalizedTransaction
}

// exactKey is the composite candidate-lookup key for the exact pass.
func exactKey(t *models.NormalizedTransaction) string {
	return fmt.Sprintf("%d|%s|%s", t.Amount, t.DateKey(), t.Currency)
}

// newArena builds the run state. Statement transactions are ordered by
// (date, ID) and book transactions by (seq, ID) so every pass walks the
// pools in the same order on every run.
func newArena(stmt, book []*models.NormalizedTransaction) *arena {
	a := &arena{
		stmt:          make([]*models.NormalizedTransaction, len(stmt)),
		book:          make([]*models.NormalizedTransaction, len(book)),
		stmtUnmatched: make(map[string]bool, len(stmt)),
		bookUnmatched: make(map[string]bool, len(book)),
		bookByID:      make(map[string]*models.NormalizedTransaction, len(book)),
		bookByKey:     make(map[string][]*models.NormalizedTransaction),
		bookByRef:     make(map[string][]*models.NormalizedTransaction),
	}
	copy(a.stmt, stmt)
	copy(a.book, book)

	sort.SliceStable(a.stmt, func(i, j int) bool {
		if !a.stmt[i].Date.Equal(a.stmt[j].Date) {
			return a.stmt[i].Date.Before(a.stmt[j].Date)
		}
		return a.stmt[i].ID < a.stmt[j].ID
	})
	sort.SliceStable(a.book, func(i, j int) bool {
		if a.book[i].Seq != a.book[j].Seq {
			return a.book[i].Seq < a.book[j].Seq
		}
		return a.book[i].ID < a.book[j].ID
	})

	for _, t := range a.stmt {
		a.stmtUnmatched[t.ID] = true
	}
	for _, t := range a.book {
		a.bookUnmatched[t.ID] = true
		a.bookByID[t.ID] = t
		key := exactKey(t)
		a.bookByKey[key] = append(a.bookByKey[key], t)
		if t.Reference != "" {
			a.bookByRef[t.Reference] = append(a.bookByRef[t.Reference], t)
		}
	}
	return a
}

// claim commits a pairing. It fails if either side is already claimed, so a
// transaction can never end up in two matches.
func (a *arena) claim(stmtID, bookID string) bool {
	if !a.stmtUnmatched[stmtID] || !a.bookUnmatched[bookID] {
		return false
	}
	delete(a.stmtUnmatched, stmtID)
	delete(a.bookUnmatched, bookID)
	return true
}

// exactCandidates returns the unmatched book transactions with the same
// (amount, date, currency) as the statement transaction, in pool order.
func (a *arena) exactCandidates(t *models.NormalizedTransaction) []*models.NormalizedTransaction {
	return a.filterUnmatched(a.bookByKey[exactKey(t)])
}

// referenceCandidates returns the unmatched book transactions carrying the
// given reference, in pool order.
func (a *arena) referenceCandidates(ref string) []*models.NormalizedTransaction {
	if ref == "" {
		return nil
	}
	return a.filterUnmatched(a.bookByRef[ref])
}

func (a *arena) filterUnmatched(candidates []*models.NormalizedTransaction) []*models.NormalizedTransaction {
	var out []*models.NormalizedTransaction
	for _, c := range candidates {
		if a.bookUnmatched[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// remainingStatement returns the unmatched statement transactions in pool
// order.
func (a *arena) remainingStatement() []*models.NormalizedTransaction {
	var out []*models.NormalizedTransaction
	for _, t := range a.stmt {
		if a.stmtUnmatched[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// remainingBook returns the unmatched book transactions in pool order.
func (a *arena) remainingBook() []*models.NormalizedTransaction {
	var out []*models.NormalizedTransaction
	for _, t := range a.book {
		if a.bookUnmatched[t.ID] {
			out = append(out, t)
		}
	}
	return out
}
