package cmd

import (
	"context"
	"os"

	"bank-reconciliation-engine/cmd/reconciler/config"
	"bank-reconciliation-engine/internal/discrepancy"
	"bank-reconciliation-engine/internal/engine"
	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/internal/reporter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	reconcileDataFile    string
	reconcileStatementID string
	reconcileFormat      string
	reconcileShowItems   bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run reconciliation for a statement",
	Long: `Reconcile matches a statement's lines against the account's ledger
entries and derives discrepancy items for everything that does not line up.

The data file holds the statements with their raw lines, the ledger entries
per account, and optional matching rules. Matching runs three passes: exact,
rule-driven, and fuzzy.

Examples:
  reconciler reconcile --data workspace.json --statement STMT-2026-01
  reconciler reconcile --data workspace.json --statement STMT-2026-01 --output-format json
  reconciler reconcile --data workspace.json --statement STMT-2026-01 --show-items`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVar(&reconcileDataFile, "data", "", "workspace data file (required)")
	reconcileCmd.Flags().StringVar(&reconcileStatementID, "statement", "", "statement ID to reconcile (required)")
	reconcileCmd.Flags().StringVar(&reconcileFormat, "output-format", "console", "output format: console, json")
	reconcileCmd.Flags().BoolVar(&reconcileShowItems, "show-items", false, "print pending discrepancy items after the run")

	reconcileCmd.MarkFlagRequired("data")
	reconcileCmd.MarkFlagRequired("statement")

	reconcileCmd.Flags().Int64("amount-tolerance", 0, "fuzzy-pass amount tolerance in minor units")
	reconcileCmd.Flags().Int("fuzzy-threshold", 70, "minimum fuzzy similarity score (0-100)")
	reconcileCmd.Flags().Bool("enable-fuzzy", true, "enable the fuzzy matching pass")
	reconcileCmd.Flags().String("profile", "balanced", "matching profile: balanced, strict, relaxed")
	reconcileCmd.Flags().Int("grace-days", 3, "date grace period before a date mismatch item")

	viper.BindPFlag("amount_tolerance", reconcileCmd.Flags().Lookup("amount-tolerance"))
	viper.BindPFlag("fuzzy_threshold", reconcileCmd.Flags().Lookup("fuzzy-threshold"))
	viper.BindPFlag("enable_fuzzy", reconcileCmd.Flags().Lookup("enable-fuzzy"))
	viper.BindPFlag("profile", reconcileCmd.Flags().Lookup("profile"))
	viper.BindPFlag("grace_days", reconcileCmd.Flags().Lookup("grace-days"))
}

func runReconcile(cmd *cobra.Command, args []string) error {
	handler := NewCLIErrorHandler()

	config.SetDefaults(viper.GetViper())
	cliCfg, err := config.Load(viper.GetViper())
	if err != nil {
		os.Exit(handler.HandleError(err))
	}
	engineCfg, err := cliCfg.BuildEngineConfig(viper.GetViper())
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	stores, err := loadWorkspace(reconcileDataFile)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	service, err := engine.NewService(engineCfg, stores)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	report, err := service.Reconcile(context.Background(), reconcileStatementID)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	rep, err := reporter.New(reporter.OutputFormat(reconcileFormat))
	if err != nil {
		os.Exit(handler.HandleError(err))
	}
	if err := rep.WriteRunReport(report, os.Stdout); err != nil {
		os.Exit(handler.HandleError(err))
	}

	if reconcileShowItems {
		items, err := service.ListDiscrepancies(report.AccountID, discrepancy.Filters{Status: models.ItemPending})
		if err != nil {
			os.Exit(handler.HandleError(err))
		}
		if err := rep.WriteItems(items, os.Stdout); err != nil {
			os.Exit(handler.HandleError(err))
		}
	}
	return nil
}
