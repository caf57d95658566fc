package cmd

import (
	"fmt"
	"os"
	"time"

	"bank-reconciliation-engine/cmd/reconciler/config"
	"bank-reconciliation-engine/internal/engine"
	"bank-reconciliation-engine/internal/models"
	"bank-reconciliation-engine/internal/reporter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	agingDataFile string
	agingPolarity string
	agingAsOf     string
	agingCurrency string
	agingFormat   string
)

var agingCmd = &cobra.Command{
	Use:   "aging",
	Short: "Compute an aging report over open items",
	Long: `Aging buckets the open receivables or payables from the data file by
days past due as of a reference date and reports totals, counts, and
percentages per bucket, with a per-counterparty breakdown.

Examples:
  reconciler aging --data workspace.json --polarity receivable
  reconciler aging --data workspace.json --polarity payable --as-of 2026-01-31
  reconciler aging --data workspace.json --polarity receivable --output-format csv`,
	RunE: runAging,
}

func init() {
	rootCmd.AddCommand(agingCmd)

	agingCmd.Flags().StringVar(&agingDataFile, "data", "", "workspace data file (required)")
	agingCmd.Flags().StringVar(&agingPolarity, "polarity", "receivable", "report polarity: receivable or payable")
	agingCmd.Flags().StringVar(&agingAsOf, "as-of", "", "reference date YYYY-MM-DD (default today)")
	agingCmd.Flags().StringVar(&agingCurrency, "currency", "USD", "currency for console amounts")
	agingCmd.Flags().StringVar(&agingFormat, "output-format", "console", "output format: console, json, csv")

	agingCmd.MarkFlagRequired("data")
}

func runAging(cmd *cobra.Command, args []string) error {
	handler := NewCLIErrorHandler()

	asOf := time.Now().UTC()
	if agingAsOf != "" {
		parsed, err := models.ParseDateOnly(agingAsOf)
		if err != nil {
			os.Exit(handler.HandleError(fmt.Errorf("invalid --as-of date: %w", err)))
		}
		asOf = parsed
	}

	config.SetDefaults(viper.GetViper())
	cliCfg, err := config.Load(viper.GetViper())
	if err != nil {
		os.Exit(handler.HandleError(err))
	}
	engineCfg, err := cliCfg.BuildEngineConfig(viper.GetViper())
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	stores, err := loadWorkspace(agingDataFile)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}
	service, err := engine.NewService(engineCfg, stores)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	report, err := service.GetAgingReport(models.Polarity(agingPolarity), asOf)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	rep, err := reporter.New(reporter.OutputFormat(agingFormat))
	if err != nil {
		os.Exit(handler.HandleError(err))
	}
	if err := rep.WriteAgingReport(report, agingCurrency, os.Stdout); err != nil {
		os.Exit(handler.HandleError(err))
	}
	return nil
}
