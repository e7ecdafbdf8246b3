package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hivemind/internal/bus"
	"hivemind/internal/clock"
	"hivemind/internal/config"
	"hivemind/internal/store"
)

var (
	knowledgeType   string
	knowledgeWorker string
	minFreshness    float64
	knowledgeLimit  int
	promotedOnly    bool
)

// openStore opens the configured database for read-side commands.
func openStore() (*store.LocalStore, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewLocalStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, cfg, nil
}

// statusCmd prints per-worker stats and exchange state.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker stats and knowledge exchange state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.ListWorkerStats()
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("No worker activity recorded yet.")
			return nil
		}

		fmt.Printf("%-20s %8s %6s %6s %10s %s\n", "WORKER", "CYCLES", "EXPS", "ERRS", "AVG", "LAST CYCLE")
		for _, s := range stats {
			last := "-"
			if !s.LastCycleAt.IsZero() {
				last = s.LastCycleAt.Format(time.RFC3339)
			}
			fmt.Printf("%-20s %8d %6d %6d %10s %s\n",
				s.WorkerName, s.CyclesCompleted, s.ExperimentsRun, s.Errors,
				s.AvgCycleTime.Round(time.Millisecond), last)
			state, err := st.GetWorkerKnowledgeState(s.WorkerName)
			if err == nil && state != nil {
				fmt.Printf("%-20s exchanges=%d recent_received=%d recent_broadcast=%d\n",
					"", state.ExchangeCount, len(state.RecentReceived), len(state.RecentBroadcast))
			}
		}

		bySeverity, _, resolutions, err := st.ConflictCounts()
		if err != nil {
			return err
		}
		detected := 0
		for _, n := range bySeverity {
			detected += n
		}
		fmt.Printf("\nConflicts: %d detected, %d resolved\n", detected, resolutions)
		return nil
	},
}

// knowledgeCmd lists knowledge items ranked by current freshness.
var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Query knowledge items ranked by current freshness",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		clk := clock.NewSystem()
		knowledgeBus := bus.New(cfg, st, clk)
		items, err := knowledgeBus.Query(bus.QueryFilter{
			Type:         bus.KnowledgeType(knowledgeType),
			SourceWorker: knowledgeWorker,
			MinFreshness: minFreshness,
			Limit:        knowledgeLimit,
		})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No matching knowledge items.")
			return nil
		}

		now := clk.Now()
		for _, item := range items {
			freshness := knowledgeBus.Freshness(item, now)
			text := item.ContentText()
			if len(text) > 72 {
				text = text[:72] + "..."
			}
			flags := string(item.ValidationStatus)
			if item.Resolved {
				flags += ",resolved"
			}
			fmt.Printf("%.2f  %-20s %-14s [%s] %s\n",
				freshness, item.Type, item.SourceWorker, flags, text)
			if len(item.Topics) > 0 {
				fmt.Printf("      topics: %s\n", strings.Join(item.Topics, ", "))
			}
		}
		return nil
	},
}

// conflictsCmd summarizes detected conflicts and resolutions.
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Summarize detected conflicts and resolutions",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		bySeverity, byType, resolutions, err := st.ConflictCounts()
		if err != nil {
			return err
		}

		total := 0
		for _, n := range bySeverity {
			total += n
		}
		fmt.Printf("Analyses: %d   Resolutions: %d\n", total, resolutions)
		if total == 0 {
			return nil
		}
		fmt.Println("By severity:")
		for _, sev := range []string{"critical", "high", "medium", "low"} {
			if n := bySeverity[sev]; n > 0 {
				fmt.Printf("  %-10s %d\n", sev, n)
			}
		}
		fmt.Println("By type:")
		for t, n := range byType {
			fmt.Printf("  %-14s %d\n", t, n)
		}
		return nil
	},
}

// experimentsCmd lists experiments, optionally only promoted ones.
var experimentsCmd = &cobra.Command{
	Use:   "experiments",
	Short: "List experiments and their outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		exps, err := st.ListExperiments(50)
		if err != nil {
			return err
		}
		if len(exps) == 0 {
			fmt.Println("No experiments recorded yet.")
			return nil
		}

		for _, exp := range exps {
			if promotedOnly && !exp.PromotedToProduction {
				continue
			}
			marker := " "
			if exp.PromotedToProduction {
				marker = "*"
			}
			fmt.Printf("%s %-10s %-20s %-24s improvement=%+.1f%%\n",
				marker, exp.Status, exp.WorkerName, exp.Name, exp.ImprovementRatio*100)
			fmt.Printf("    %s\n", exp.Hypothesis)
		}
		return nil
	},
}

func init() {
	knowledgeCmd.Flags().StringVar(&knowledgeType, "type", "", "filter by knowledge type")
	knowledgeCmd.Flags().StringVar(&knowledgeWorker, "worker", "", "filter by source worker")
	knowledgeCmd.Flags().Float64Var(&minFreshness, "min-freshness", 0, "minimum current freshness")
	knowledgeCmd.Flags().IntVar(&knowledgeLimit, "limit", 20, "maximum items to show")
	experimentsCmd.Flags().BoolVar(&promotedOnly, "promoted", false, "show only promoted experiments")
}
