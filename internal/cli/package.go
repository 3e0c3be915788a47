package cli

import (
	"fmt"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/service"
	"github.com/raphaelgruber/igsnharvest/internal/timeconv"
	"github.com/spf13/cobra"
)

var (
	packageFrom   string
	packageUntil  string
	packageDays   int
	packageCreate bool
)

var packageCmd = &cobra.Command{
	Use:   "package <service>",
	Short: "Harvest a fixed range as a series of bounded jobs",
	Long: `Split [from, until) into windows of at most --days days and harvest
them one after the other. Large back-fills are easier on providers and
resume cleanly when one window fails.

Dates accept RFC 3339, plain dates and anything the time command parses.
--until defaults to now.

Examples:
  igsnh package <service> --from 2010-01-01 --until 2015-01-01
  igsnh package <service> --from 2010-01-01 --days 30 --create-only`,
	Args: cobra.ExactArgs(1),
	RunE: runPackage,
}

func init() {
	addHarvestFlags(packageCmd)
	packageCmd.Flags().StringVar(&packageFrom, "from", "", "start of the range, inclusive (required)")
	packageCmd.Flags().StringVar(&packageUntil, "until", "", "end of the range, exclusive")
	packageCmd.Flags().IntVar(&packageDays, "days", service.DefaultPackageDays, "window length in days")
	packageCmd.Flags().BoolVar(&packageCreate, "create-only", false, "create the configured jobs without running them")
	_ = packageCmd.MarkFlagRequired("from")
}

func runPackage(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := deps.Registry.ResolveService(ctx, args[0])
	if err != nil {
		return fmt.Errorf("resolve service %s: %w", args[0], err)
	}

	from, err := timeconv.ParseTimestamp(packageFrom)
	if err != nil {
		return fmt.Errorf("parse --from: %w", err)
	}
	until := time.Now().UTC()
	if packageUntil != "" {
		if until, err = timeconv.ParseTimestamp(packageUntil); err != nil {
			return fmt.Errorf("parse --until: %w", err)
		}
	}

	jobs, err := deps.Registry.CreateJobPackage(ctx, svc.ID, from, until, packageDays, topupOptions())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %d jobs for %s\n", len(jobs), svc.BaseURL)
	if packageCreate {
		for _, job := range jobs {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s .. %s\n", job.ID, job.From.Format(time.RFC3339), formatTime(job.Until))
		}
		return nil
	}

	done, err := deps.Registry.RunPackage(ctx, jobs)
	for _, job := range done {
		printJobSummary(cmd.OutOrStdout(), job)
	}
	if err != nil {
		return fmt.Errorf("package stopped after %d of %d jobs: %w", len(done), len(jobs), err)
	}
	return nil
}
