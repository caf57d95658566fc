package matcher

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/internal/rules"
	"bank-reconciliation-engine/pkg/errors"
	"bank-reconciliation-engine/pkg/logger"

	"github.com/google/uuid"
)

// Engine pairs statement transactions with book transactions.
type Engine struct {
	cfg *Config
	log logger.Logger
}

// NewEngine creates a matching engine with the given configuration. A nil
// configuration falls back to DefaultConfig.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg: cfg,
		log: logger.GetGlobalLogger().WithComponent("matcher"),
	}
}

// Summary aggregates statistics about one reconciliation pass set.
type Summary struct {
	TotalStatement     int                      `json:"total_statement"`
	TotalBook          int                      `json:"total_book"`
	Matched            int                      `json:"matched"`
	ByType             map[models.MatchType]int `json:"by_type"`
	UnmatchedStatement int                      `json:"unmatched_statement"`
	UnmatchedBook      int                      `json:"unmatched_book"`
}

// Result is the outcome of running all matching passes. Every input
// transaction appears in exactly one of {Matches, UnmatchedStatement,
// UnmatchedBook} (the partition invariant); ignore/categorize/flag rule
// outcomes are reported alongside without breaking the partition.
type Result struct {
	Matches            []*models.ReconciliationMatch   `json:"matches"`
	UnmatchedStatement []*models.NormalizedTransaction `json:"unmatched_statement"`
	UnmatchedBook      []*models.NormalizedTransaction `json:"unmatched_book"`

	// RuleHits counts successful rule applications by rule ID. The caller
	// folds these into each rule's MatchCount telemetry.
	RuleHits map[string]int `json:"rule_hits,omitempty"`

	// Ignored maps statement transaction IDs suppressed by an ignore
	// action to the rule that suppressed them. The transactions still
	// count as unmatched; the discrepancy manager skips items for them.
	Ignored map[string]string `json:"ignored,omitempty"`

	// Categorized maps statement transaction IDs to the category assigned
	// by a categorize action.
	Categorized map[string]string `json:"categorized,omitempty"`

	// Flagged lists statement transaction IDs marked for review by a flag
	// action.
	Flagged []string `json:"flagged,omitempty"`

	Summary Summary `json:"summary"`
}

// Reconcile runs the exact, rule, and fuzzy passes in order over the given
// transaction sets. It is deterministic: identical inputs always yield
// identical matches.
func (e *Engine) Reconcile(
	ctx context.Context,
	statementID string,
	stmtTxns, bookTxns []*models.NormalizedTransaction,
	ruleSet []*models.ReconciliationRule,
) (*Result, error) {

	a := newArena(stmtTxns, bookTxns)
	result := &Result{
		RuleHits:    make(map[string]int),
		Ignored:     make(map[string]string),
		Categorized: make(map[string]string),
	}

	e.log.WithFields(logger.Fields{
		"statement_id": statementID,
		"statement":    len(stmtTxns),
		"book":         len(bookTxns),
		"rules":        len(ruleSet),
	}).Info("Starting matching passes")

	if err := checkContext(ctx, statementID); err != nil {
		return nil, err
	}
	e.exactPass(a, statementID, result)

	if err := checkContext(ctx, statementID); err != nil {
		return nil, err
	}
	e.rulePass(a, statementID, ruleSet, result)

	if e.cfg.EnableFuzzyMatching {
		if err := checkContext(ctx, statementID); err != nil {
			return nil, err
		}
		e.fuzzyPass(a, statementID, result)
	}

	result.UnmatchedStatement = a.remainingStatement()
	result.UnmatchedBook = a.remainingBook()
	result.Summary = e.summarize(len(stmtTxns), len(bookTxns), result)

	e.log.WithFields(logger.Fields{
		"statement_id":        statementID,
		"matched":             result.Summary.Matched,
		"unmatched_statement": result.Summary.UnmatchedStatement,
		"unmatched_book":      result.Summary.UnmatchedBook,
	}).Info("Matching passes completed")

	return result, nil
}

func checkContext(ctx context.Context, statementID string) error {
	select {
	case <-ctx.Done():
		code := errors.CodeRunCanceled
		if ctx.Err() == context.DeadlineExceeded {
			code = errors.CodeRunTimeout
		}
		return errors.RunAbortedError(code, statementID, "matching interrupted", ctx.Err())
	default:
		return nil
	}
}

// exactPass pairs transactions with identical (amount, date, currency).
// Multiple candidates are tie-broken by longest common reference substring,
// then earliest creation order, then ID.
func (e *Engine) exactPass(a *arena, statementID string, result *Result) {
	for _, txn := range a.remainingStatement() {
		candidates := a.exactCandidates(txn)
		if len(candidates) == 0 {
			continue
		}

		best := candidates[0]
		if len(candidates) > 1 {
			best = pickByReference(txn.Reference, candidates)
		}
		if !a.claim(txn.ID, best.ID) {
			continue
		}
		result.Matches = append(result.Matches, newMatch(statementID, txn, best, models.MatchExact, 100, ""))
	}
}

// pickByReference selects the candidate whose reference shares the longest
// common substring with ref; ties fall back to creation order, then ID.
func pickByReference(ref string, candidates []*models.NormalizedTransaction) *models.NormalizedTransaction {
	best := candidates[0]
	bestLCS := longestCommonSubstring(ref, best.Reference)

	for _, c := range candidates[1:] {
		lcs := longestCommonSubstring(ref, c.Reference)
		switch {
		case lcs > bestLCS:
			best, bestLCS = c, lcs
		case lcs == bestLCS && (c.Seq < best.Seq || (c.Seq == best.Seq && c.ID < best.ID)):
			best = c
		}
	}
	return best
}

// rulePass applies rule outcomes to the remaining statement transactions.
// Only auto_match produces a pairing; categorize, flag, and ignore are
// reported for downstream handling.
func (e *Engine) rulePass(a *arena, statementID string, ruleSet []*models.ReconciliationRule, result *Result) {
	if len(ruleSet) == 0 {
		return
	}

	for _, txn := range a.remainingStatement() {
		outcome := rules.Evaluate(txn, ruleSet)
		if outcome == nil {
			continue
		}

		applied := false
		if action, ok := outcome.Action(models.ActionAutoMatch); ok {
			if e.applyAutoMatch(a, statementID, txn, outcome.Rule, action, result) {
				applied = true
			}
		}
		if action, ok := outcome.Action(models.ActionCategorize); ok {
			result.Categorized[txn.ID] = action.Value
			applied = true
		}
		if _, ok := outcome.Action(models.ActionFlag); ok {
			result.Flagged = append(result.Flagged, txn.ID)
			applied = true
		}
		if _, ok := outcome.Action(models.ActionIgnore); ok {
			result.Ignored[txn.ID] = outcome.Rule.ID
			applied = true
		}

		if applied {
			result.RuleHits[outcome.Rule.ID]++
		}
	}
}

// applyAutoMatch pairs the statement transaction with the book transaction
// whose reference equals the value of the action's field (reference by
// default). Confidence decays per day of date variance, floored.
func (e *Engine) applyAutoMatch(
	a *arena,
	statementID string,
	txn *models.NormalizedTransaction,
	rule *models.ReconciliationRule,
	action models.RuleAction,
	result *Result,
) bool {

	field := action.Value
	if field == "" {
		field = models.FieldReference
	}

	var target string
	switch field {
	case models.FieldReference:
		target = txn.Reference
	case models.FieldDescription:
		target = txn.Description
	default:
		return false
	}

	candidates := a.referenceCandidates(target)
	if len(candidates) == 0 {
		return false
	}

	// Pool order is (seq, ID), so the first candidate is the earliest-created.
	book := candidates[0]
	if !a.claim(txn.ID, book.ID) {
		return false
	}

	days := models.DaysBetween(txn.Date, book.Date)
	confidence := e.cfg.AutoMatchBaseConfidence - e.cfg.AutoMatchDecayPerDay*days
	if confidence < e.cfg.AutoMatchFloor {
		confidence = e.cfg.AutoMatchFloor
	}

	result.Matches = append(result.Matches, newMatch(statementID, txn, book, models.MatchRule, confidence, rule.ID))
	return true
}

// scoredPair is one fuzzy-pass candidate pairing.
type scoredPair struct {
	stmt  *models.NormalizedTransaction
	book  *models.NormalizedTransaction
	score int
}

// fuzzyPass scores every remaining (statement, book) pairing and claims the
// best-scoring pairs greedily. Scoring fans out across workers; the greedy
// claim over the sorted pair list is the single-threaded commit point, so
// the outcome is identical to a serial run.
func (e *Engine) fuzzyPass(a *arena, statementID string, result *Result) {
	stmtPool := a.remainingStatement()
	bookPool := a.remainingBook()
	if len(stmtPool) == 0 || len(bookPool) == 0 {
		return
	}

	var (
		mu    sync.Mutex
		pairs []scoredPair
		wg    sync.WaitGroup
	)

	jobs := make(chan *models.NormalizedTransaction)
	workers := e.cfg.ScoringWorkers
	if workers > len(stmtPool) {
		workers = len(stmtPool)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]scoredPair, 0)
			for txn := range jobs {
				for _, book := range bookPool {
					if score, ok := e.scorePair(txn, book); ok {
						local = append(local, scoredPair{stmt: txn, book: book, score: score})
					}
				}
			}
			mu.Lock()
			pairs = append(pairs, local...)
			mu.Unlock()
		}()
	}
	for _, txn := range stmtPool {
		jobs <- txn
	}
	close(jobs)
	wg.Wait()

	// Greedy by descending score with a full tie order makes the claim
	// sequence, and therefore the match set, deterministic.
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		if pairs[i].stmt.ID != pairs[j].stmt.ID {
			return pairs[i].stmt.ID < pairs[j].stmt.ID
		}
		return pairs[i].book.ID < pairs[j].book.ID
	})

	for _, p := range pairs {
		if a.claim(p.stmt.ID, p.book.ID) {
			result.Matches = append(result.Matches, newMatch(statementID, p.stmt, p.book, models.MatchFuzzy, p.score, ""))
		}
	}
}

// scorePair computes the weighted similarity score for one candidate
// pairing. A pairing outside the amount tolerance or below the threshold is
// rejected.
func (e *Engine) scorePair(stmt, book *models.NormalizedTransaction) (int, bool) {
	if stmt.Currency != book.Currency {
		return 0, false
	}

	diff := models.AbsAmount(stmt.Amount - book.Amount)
	var amountScore float64
	switch {
	case diff == 0:
		amountScore = 100
	case e.cfg.AmountToleranceMinorUnits > 0 && diff <= e.cfg.AmountToleranceMinorUnits:
		amountScore = 100 * (1 - float64(diff)/float64(e.cfg.AmountToleranceMinorUnits))
	default:
		return 0, false
	}

	textScore := 100 * similarityRatio(
		stmt.Reference+" "+stmt.Description,
		book.Reference+" "+book.Description,
	)

	score := int(math.Round(e.cfg.Weights.Amount*amountScore + e.cfg.Weights.Text*textScore))
	if score < e.cfg.FuzzyThreshold {
		return 0, false
	}
	return score, true
}

func newMatch(statementID string, stmt, book *models.NormalizedTransaction, matchType models.MatchType, confidence int, ruleID string) *models.ReconciliationMatch {
	return &models.ReconciliationMatch{
		ID:                     uuid.NewString(),
		StatementID:            statementID,
		StatementTransactionID: stmt.ID,
		BookTransactionID:      book.ID,
		MatchType:              matchType,
		Confidence:             confidence,
		Variance:               stmt.Amount - book.Amount,
		RuleID:                 ruleID,
		MatchedAt:              time.Now().UTC(),
		Active:                 true,
	}
}

func (e *Engine) summarize(totalStmt, totalBook int, result *Result) Summary {
	summary := Summary{
		TotalStatement:     totalStmt,
		TotalBook:          totalBook,
		Matched:            len(result.Matches),
		ByType:             make(map[models.MatchType]int),
		UnmatchedStatement: len(result.UnmatchedStatement),
		UnmatchedBook:      len(result.UnmatchedBook),
	}
	for _, m := range result.Matches {
		summary.ByType[m.MatchType]++
	}
	return summary
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() *Config {
	return e.cfg.Clone()
}
