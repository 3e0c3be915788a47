package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/service"
	"github.com/spf13/cobra"
)

var (
	topupPrefix      string
	topupSet         string
	topupKeepDeleted bool
	topupNoProgress  bool
	topupAll         bool
)

var topupCmd = &cobra.Command{
	Use:   "topup [service]",
	Short: "Harvest everything a provider published since the last run",
	Long: `Harvest all records a provider created or changed since the last
successful or partial top-up. The first top-up starts at the provider's
earliest datestamp.

The service can be given by ID or base URL. With --all every registered
service is topped up concurrently.

Examples:
  igsnh topup https://app.geosamples.org/oai
  igsnh topup 3f1c... --set IEDA.SESAR
  igsnh topup --all`,
	Args: func(cmd *cobra.Command, args []string) error {
		if topupAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runTopup,
}

func init() {
	addHarvestFlags(topupCmd)
	topupCmd.Flags().BoolVar(&topupAll, "all", false, "top up every registered service")
}

// addHarvestFlags registers the request options shared by topup and package.
func addHarvestFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&topupPrefix, "prefix", "", "metadata prefix (default from IGSNH_METADATA_PREFIX)")
	cmd.Flags().StringVar(&topupSet, "set", "", "harvest only this set")
	cmd.Flags().BoolVar(&topupKeepDeleted, "keep-deleted", false, "process deleted records and mark them in the store")
	cmd.Flags().BoolVar(&topupNoProgress, "no-progress", false, "do not draw live progress")
}

func topupOptions() service.TopUpOptions {
	return service.TopUpOptions{
		MetadataPrefix: topupPrefix,
		SetSpec:        topupSet,
		IgnoreDeleted:  cfg.IgnoreDeleted && !topupKeepDeleted,
	}
}

func runTopup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if topupAll {
		return runTopupAll(cmd)
	}

	svc, err := deps.Registry.ResolveService(ctx, args[0])
	if err != nil {
		return fmt.Errorf("resolve service %s: %w", args[0], err)
	}

	job, err := runHarvest(ctx, deps.Registry.Jobs(), svc.BaseURL, interactive(topupNoProgress),
		func(ctx context.Context, onStart func(*models.Job)) (*models.Job, error) {
			opts := topupOptions()
			opts.OnStart = onStart
			return deps.Registry.TopUp(ctx, svc.ID, opts)
		})
	if err != nil {
		return err
	}
	printJobSummary(cmd.OutOrStdout(), job)
	return jobError(job)
}

func runTopupAll(cmd *cobra.Command) error {
	jobs, err := deps.Registry.TopUpAll(cmd.Context(), topupOptions(), cfg.Concurrency)
	for _, job := range jobs {
		printJobSummary(cmd.OutOrStdout(), job)
	}
	if err != nil {
		return err
	}
	if n := countFailed(jobs); n > 0 {
		return fmt.Errorf("%d of %d top-ups failed", n, len(jobs))
	}
	return nil
}

func countFailed(jobs []*models.Job) int {
	n := 0
	for _, job := range jobs {
		if job.State == models.JobFailed {
			n++
		}
	}
	return n
}

// jobError turns a failed job into a non-zero exit. Partial jobs keep
// their progress and are reported but not treated as errors.
func jobError(job *models.Job) error {
	if job.State != models.JobFailed {
		return nil
	}
	if job.Error != "" {
		return errors.New(job.Error)
	}
	return fmt.Errorf("job %s failed", job.ID)
}
