// Package engine orchestrates reconciliation runs: normalization, the
// matching passes, discrepancy derivation, and statement lifecycle
// management. It owns per-account serialization and the abort policy; the
// component packages underneath it stay pure.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bank-reconciliation-engine/internal/aging"
	"bank-reconciliation-engine/internal/discrepancy"
	"bank-reconciliation-engine/internal/matcher"
	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/internal/normalizer"
	"bank-reconciliation-engine/pkg/errors"
	"bank-reconciliation-engine/pkg/logger"

	"github.com/google/uuid"
)

// Config holds the orchestrator tunables.
type Config struct {
	// AbortFailureRatio aborts a run when more than this fraction of the
	// source records fail normalization. Committed state is preserved.
	AbortFailureRatio float64 `json:"abort_failure_ratio"`

	// RunTimeout bounds a single reconciliation run. Zero disables the bound.
	RunTimeout time.Duration `json:"run_timeout"`

	// BookWindowDays is the half-width of the ledger window loaded around
	// the statement date.
	BookWindowDays int `json:"book_window_days"`

	Matching    *matcher.Config     `json:"matching"`
	Discrepancy *discrepancy.Config `json:"discrepancy"`
	BucketDefs  []aging.BucketDef   `json:"bucket_defs"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		AbortFailureRatio: 0.25,
		RunTimeout:        5 * time.Minute,
		BookWindowDays:    60,
		Matching:          matcher.DefaultConfig(),
		Discrepancy:       discrepancy.DefaultConfig(),
		BucketDefs:        aging.DefaultBucketDefs(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.AbortFailureRatio < 0 || c.AbortFailureRatio > 1 {
		return fmt.Errorf("abort failure ratio must be between 0 and 1: %f", c.AbortFailureRatio)
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("run timeout cannot be negative: %s", c.RunTimeout)
	}
	if c.BookWindowDays <= 0 {
		return fmt.Errorf("book window days must be positive: %d", c.BookWindowDays)
	}
	if c.Matching != nil {
		if err := c.Matching.Validate(); err != nil {
			return fmt.Errorf("matching config: %w", err)
		}
	}
	if c.Discrepancy != nil {
		if err := c.Discrepancy.Validate(); err != nil {
			return fmt.Errorf("discrepancy config: %w", err)
		}
	}
	if len(c.BucketDefs) > 0 {
		if err := aging.ValidateBucketDefs(c.BucketDefs); err != nil {
			return fmt.Errorf("bucket defs: %w", err)
		}
	}
	return nil
}

// Stores bundles the persistence collaborators of the service.
type Stores struct {
	Statements StatementStore
	Books      BookStore
	Rules      RuleStore
	Matches    MatchStore
	Items      discrepancy.ItemStore
	OpenItems  OpenItemStore
}

// Service runs reconciliation and serves the read-side operations.
type Service struct {
	cfg           *Config
	stores        Stores
	matcher       *matcher.Engine
	discrepancies *discrepancy.Manager
	log           logger.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewService creates the orchestrator. A nil configuration falls back to
// DefaultConfig.
func NewService(cfg *Config, stores Stores) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Matching == nil {
		cfg.Matching = matcher.DefaultConfig()
	}
	if cfg.Discrepancy == nil {
		cfg.Discrepancy = discrepancy.DefaultConfig()
	}
	if len(cfg.BucketDefs) == 0 {
		cfg.BucketDefs = aging.DefaultBucketDefs()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "engine", err.Error(), err)
	}

	return &Service{
		cfg:           cfg,
		stores:        stores,
		matcher:       matcher.NewEngine(cfg.Matching),
		discrepancies: discrepancy.NewManager(cfg.Discrepancy, stores.Items),
		log:           logger.GetGlobalLogger().WithComponent("engine"),
		running:       make(map[string]bool),
	}, nil
}

// RunReport summarizes one reconciliation run.
type RunReport struct {
	StatementID string `json:"statement_id"`
	AccountID   string `json:"account_id"`

	NormalizedStatement int                  `json:"normalized_statement"`
	NormalizedBook      int                  `json:"normalized_book"`
	ExcludedRecords     int                  `json:"excluded_records"`
	RecordErrors        *errors.RecordErrors `json:"record_errors,omitempty"`

	Matching matcher.Summary `json:"matching"`

	ItemsByType     map[models.ItemType]int     `json:"items_by_type"`
	ItemsByPriority map[models.ItemPriority]int `json:"items_by_priority"`

	RuleHits    map[string]int `json:"rule_hits,omitempty"`
	Categorized int            `json:"categorized"`
	Flagged     int            `json:"flagged"`
	Ignored     int            `json:"ignored"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Reconcile executes a full reconciliation run for one statement. At most
// one run per account executes at a time; a concurrent attempt is rejected,
// never queued. A failed run preserves everything committed before the
// failure and leaves the statement retryable.
func (s *Service) Reconcile(ctx context.Context, statementID string) (*RunReport, error) {
	stmt, err := s.stores.Statements.Get(statementID)
	if err != nil {
		return nil, err
	}

	if !s.tryLock(stmt.AccountID) {
		return nil, errors.ConcurrencyConflictError(stmt.AccountID)
	}
	defer s.unlock(stmt.AccountID)

	// Failed statements route back through pending before re-running.
	if stmt.Status == models.StatementFailed {
		stmt.Status = models.StatementPending
		stmt.FailureReason = ""
	}
	if !stmt.Status.CanTransitionTo(models.StatementInProgress) {
		return nil, errors.StateConflictError("statement", stmt.ID,
			string(stmt.Status), string(models.StatementInProgress))
	}

	started := time.Now().UTC()
	stmt.Status = models.StatementInProgress
	stmt.StartedAt = &started
	stmt.CompletedAt = nil
	if err := s.stores.Statements.Save(stmt); err != nil {
		return nil, errors.InternalError("statement save", err)
	}

	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	report, runErr := s.run(ctx, stmt)
	completed := time.Now().UTC()

	if runErr != nil {
		stmt.Status = models.StatementFailed
		stmt.FailureReason = runErr.Error()
		stmt.CompletedAt = &completed
		if saveErr := s.stores.Statements.Save(stmt); saveErr != nil {
			s.log.WithError(saveErr).Error("Failed to persist failed statement state")
		}
		s.log.WithFields(logger.Fields{
			"statement_id": stmt.ID,
			"account_id":   stmt.AccountID,
		}).WithError(runErr).Error("Reconciliation run failed")
		return nil, runErr
	}

	stmt.Status = models.StatementCompleted
	stmt.CompletedAt = &completed
	if err := s.stores.Statements.Save(stmt); err != nil {
		return nil, errors.InternalError("statement save", err)
	}

	report.StartedAt = started
	report.CompletedAt = completed
	report.Duration = completed.Sub(started)

	s.log.WithFields(logger.Fields{
		"statement_id": stmt.ID,
		"matched":      report.Matching.Matched,
		"unmatched":    report.Matching.UnmatchedStatement,
		"duration":     report.Duration.String(),
	}).Info("Reconciliation run completed")
	return report, nil
}

// run performs the normalization, matching, and derivation stages. The
// statement passed in is mutated with recomputed counters on success.
func (s *Service) run(ctx context.Context, stmt *models.ReconciliationStatement) (*RunReport, error) {
	rows, err := s.stores.Statements.Rows(stmt.ID)
	if err != nil {
		return nil, err
	}

	from := stmt.StatementDate.AddDate(0, 0, -s.cfg.BookWindowDays)
	to := stmt.StatementDate.AddDate(0, 0, s.cfg.BookWindowDays)
	entries, err := s.stores.Books.Entries(stmt.AccountID, from, to)
	if err != nil {
		return nil, errors.InternalError("book entry load", err)
	}

	norm := normalizer.New(stmt.Currency, time.UTC)
	stmtTxns, stmtFailures := norm.NormalizeBankRows(stmt.AccountID, stmt.ID, rows)
	bookTxns, bookFailures := norm.NormalizeBookEntries(stmt.AccountID, entries)

	recordErrs := collectRecordErrors(stmtFailures, bookFailures)
	totalRecords := len(rows) + len(entries)
	if totalRecords > 0 {
		ratio := float64(recordErrs.Total) / float64(totalRecords)
		if ratio > s.cfg.AbortFailureRatio {
			return nil, errors.RunAbortedError(errors.CodeAbortThreshold, stmt.ID,
				fmt.Sprintf("%d of %d source records failed normalization", recordErrs.Total, totalRecords),
				recordErrs)
		}
	}

	ruleSet, err := s.stores.Rules.ListActive(stmt.AccountID)
	if err != nil {
		return nil, errors.InternalError("rule load", err)
	}

	res, err := s.matcher.Reconcile(ctx, stmt.ID, stmtTxns, bookTxns, ruleSet)
	if err != nil {
		return nil, err
	}

	if err := s.supersedePriorMatches(stmt.ID, res.Matches); err != nil {
		return nil, err
	}
	for _, match := range res.Matches {
		if err := s.stores.Matches.Save(match); err != nil {
			return nil, errors.InternalError("match save", err)
		}
	}

	s.recordRuleHits(res.RuleHits)

	rc := discrepancy.RunContext{
		AccountID:      stmt.AccountID,
		ClosingBalance: stmt.ClosingBalance,
		AsOf:           stmt.StatementDate,
	}
	items := s.discrepancies.Derive(rc, stmtTxns, bookTxns, res)
	applied, err := s.discrepancies.Apply(items)
	if err != nil {
		return nil, err
	}

	// Summary counters are always recomputed from this run, never
	// incremented, so re-runs converge instead of drifting. The pending
	// count covers only transactions in this run's scope; other statements
	// on the account keep their own counters.
	pending, err := s.stores.Items.List(stmt.AccountID, discrepancy.Filters{Status: models.ItemPending})
	if err != nil {
		return nil, errors.InternalError("discrepancy count", err)
	}
	runScope := make(map[string]bool, len(stmtTxns)+len(bookTxns))
	for _, txn := range stmtTxns {
		runScope[txn.ID] = true
	}
	for _, txn := range bookTxns {
		runScope[txn.ID] = true
	}
	pendingInScope := 0
	for _, item := range pending {
		if runScope[item.TransactionID] {
			pendingInScope++
		}
	}
	stmt.TransactionCount = len(stmtTxns)
	stmt.MatchedTransactions = res.Summary.Matched
	stmt.UnmatchedTransactions = res.Summary.UnmatchedStatement
	stmt.Discrepancies = pendingInScope

	report := &RunReport{
		StatementID:         stmt.ID,
		AccountID:           stmt.AccountID,
		NormalizedStatement: len(stmtTxns),
		NormalizedBook:      len(bookTxns),
		ExcludedRecords:     recordErrs.Total,
		Matching:            res.Summary,
		ItemsByType:         make(map[models.ItemType]int),
		ItemsByPriority:     make(map[models.ItemPriority]int),
		RuleHits:            res.RuleHits,
		Categorized:         len(res.Categorized),
		Flagged:             len(res.Flagged),
		Ignored:             len(res.Ignored),
	}
	if recordErrs.Total > 0 {
		report.RecordErrors = recordErrs
	}
	for _, item := range applied {
		report.ItemsByType[item.Type]++
		report.ItemsByPriority[item.Priority]++
	}
	return report, nil
}

func collectRecordErrors(groups ...[]*normalizer.RecordError) *errors.RecordErrors {
	var all []*errors.EngineError
	for _, group := range groups {
		for _, re := range group {
			all = append(all, re.Err)
		}
	}
	return errors.NewRecordErrors(all)
}

// supersedePriorMatches retires the statement's previously active matches.
// A prior match whose statement transaction is re-matched this run points at
// its replacement; everything else is simply deactivated. Nothing is deleted.
func (s *Service) supersedePriorMatches(statementID string, fresh []*models.ReconciliationMatch) error {
	prior, err := s.stores.Matches.ActiveByStatement(statementID)
	if err != nil {
		return errors.InternalError("match load", err)
	}
	if len(prior) == 0 {
		return nil
	}

	replacement := make(map[string]string, len(fresh))
	for _, m := range fresh {
		replacement[m.StatementTransactionID] = m.ID
	}

	for _, old := range prior {
		old.Active = false
		old.SupersededBy = replacement[old.StatementTransactionID]
		if err := s.stores.Matches.Save(old); err != nil {
			return errors.InternalError("match supersede", err)
		}
	}
	return nil
}

// recordRuleHits folds rule hit counts into MatchCount telemetry. Failures
// here never fail the run.
func (s *Service) recordRuleHits(hits map[string]int) {
	for ruleID, count := range hits {
		rule, err := s.stores.Rules.Get(ruleID)
		if err != nil {
			s.log.WithField("rule_id", ruleID).WithError(err).Warn("Cannot record rule hits")
			continue
		}
		rule.MatchCount += count
		if err := s.stores.Rules.Save(rule); err != nil {
			s.log.WithField("rule_id", ruleID).WithError(err).Warn("Cannot record rule hits")
		}
	}
}

// RecordManualMatch pairs a statement transaction with a book transaction by
// operator decision. Any active match involving either transaction is
// superseded by the manual one.
func (s *Service) RecordManualMatch(statementID, stmtTxnID, bookTxnID string) (*models.ReconciliationMatch, error) {
	if _, err := s.stores.Statements.Get(statementID); err != nil {
		return nil, err
	}

	manual := &models.ReconciliationMatch{
		ID:                     uuid.NewString(),
		StatementID:            statementID,
		StatementTransactionID: stmtTxnID,
		BookTransactionID:      bookTxnID,
		MatchType:              models.MatchManual,
		Confidence:             100,
		MatchedAt:              time.Now().UTC(),
		Active:                 true,
	}

	prior, err := s.stores.Matches.ActiveByStatement(statementID)
	if err != nil {
		return nil, errors.InternalError("match load", err)
	}
	for _, old := range prior {
		if old.StatementTransactionID != stmtTxnID && old.BookTransactionID != bookTxnID {
			continue
		}
		old.Active = false
		old.SupersededBy = manual.ID
		if err := s.stores.Matches.Save(old); err != nil {
			return nil, errors.InternalError("match supersede", err)
		}
	}

	if err := s.stores.Matches.Save(manual); err != nil {
		return nil, errors.InternalError("match save", err)
	}
	return manual, nil
}

// ListDiscrepancies returns an account's discrepancy items.
func (s *Service) ListDiscrepancies(accountID string, f discrepancy.Filters) ([]*models.ReconciliationItem, error) {
	return s.discrepancies.List(accountID, f)
}

// ResolveDiscrepancy closes a pending item as resolved.
func (s *Service) ResolveDiscrepancy(itemID, note, actor string) (*models.ReconciliationItem, error) {
	return s.discrepancies.Resolve(itemID, note, actor)
}

// IgnoreDiscrepancy closes a pending item as ignored.
func (s *Service) IgnoreDiscrepancy(itemID, reason, actor string) (*models.ReconciliationItem, error) {
	return s.discrepancies.Ignore(itemID, reason, actor)
}

// GetAgingReport computes an aging snapshot over the open items of the
// given polarity as of the given date.
func (s *Service) GetAgingReport(polarity models.Polarity, asOf time.Time) (*aging.Report, error) {
	items, err := s.stores.OpenItems.ListOpen(polarity)
	if err != nil {
		return nil, errors.InternalError("open item load", err)
	}
	return aging.Compute(items, asOf, s.cfg.BucketDefs, polarity)
}

// UpsertRule validates and stores a rule. Invalid definitions are rejected
// here so rule evaluation at run time never encounters one.
func (s *Service) UpsertRule(rule *models.ReconciliationRule) (*models.ReconciliationRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidRule, rule.Name, err.Error(), err)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if err := s.stores.Rules.Save(rule); err != nil {
		return nil, errors.InternalError("rule save", err)
	}
	return rule, nil
}

// DeactivateRule switches a rule off without deleting it.
func (s *Service) DeactivateRule(ruleID string) error {
	rule, err := s.stores.Rules.Get(ruleID)
	if err != nil {
		return err
	}
	rule.IsActive = false
	if err := s.stores.Rules.Save(rule); err != nil {
		return errors.InternalError("rule save", err)
	}
	return nil
}

func (s *Service) tryLock(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[accountID] {
		return false
	}
	s.running[accountID] = true
	return true
}

func (s *Service) unlock(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, accountID)
}
