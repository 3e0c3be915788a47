package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/spf13/cobra"
)

var (
	jobsService string
	jobsLimit   int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect harvest jobs",
	Long: `List harvest jobs newest first or inspect a specific job by ID.

Examples:
  igsnh jobs                     # List all jobs
  igsnh jobs --service <service> # Jobs of one provider
  igsnh jobs abc123              # Show details for job abc123
  igsnh jobs run abc123          # Run a configured job
  igsnh jobs recover             # Close jobs left running by a crash`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job-id>...",
	Short: "Run configured jobs in order",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobsRun,
}

var jobsRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Mark jobs left running by a stopped harvester as partial",
	Long: `Mark jobs left running by a stopped harvester as partial, so the
affected services can be topped up again. Only run this while no other
harvester process is working on the same store.`,
	Args: cobra.NoArgs,
	RunE: runJobsRecover,
}

func init() {
	jobsCmd.Flags().StringVarP(&jobsService, "service", "s", "", "only jobs of this service (ID or URL)")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 50, "max jobs to list, 0 for all")

	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsRecoverCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// If job ID provided, show that specific job
	if len(args) == 1 {
		return showJob(ctx, cmd, args[0])
	}

	// List all jobs
	return listJobs(ctx, cmd)
}

func listJobs(ctx context.Context, cmd *cobra.Command) error {
	serviceID := ""
	if jobsService != "" {
		svc, err := deps.Registry.ResolveService(ctx, jobsService)
		if err != nil {
			return fmt.Errorf("resolve service %s: %w", jobsService, err)
		}
		serviceID = svc.ID
	}

	jobs, err := deps.Registry.Jobs().List(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
		return nil
	}
	if jobsLimit > 0 && len(jobs) > jobsLimit {
		jobs = jobs[:jobsLimit]
	}

	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			shortID(job.ServiceID),
			defaultTheme.stateStyle(job.State).Render(string(job.State)),
			job.From.Format(time.DateTime),
			formatTime(job.LastRecordAt),
			strconv.Itoa(job.Processed),
			job.CreatedAt.Format(time.DateTime),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"ID", "SERVICE", "STATE", "FROM", "WATERMARK", "PROCESSED", "CREATED"}, rows))
	return nil
}

func showJob(ctx context.Context, cmd *cobra.Command, id string) error {
	job, err := deps.Registry.Jobs().Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get job %s: %w", id, err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Job: %s\n", job.ID)
	fmt.Fprintf(w, "  Service: %s\n", job.ServiceID)
	fmt.Fprintf(w, "  State: %s\n", defaultTheme.stateStyle(job.State).Render(string(job.State)))
	fmt.Fprintf(w, "  Prefix: %s\n", job.MetadataPrefix)
	if job.SetSpec != "" {
		fmt.Fprintf(w, "  Set: %s\n", job.SetSpec)
	}
	fmt.Fprintf(w, "  Ignore deleted: %t\n", job.IgnoreDeleted)
	fmt.Fprintf(w, "  From: %s\n", job.From.Format(time.RFC3339))
	fmt.Fprintf(w, "  Until: %s\n", formatTime(job.Until))
	fmt.Fprintf(w, "  Effective until: %s\n", formatTime(job.EffectiveUntil))
	fmt.Fprintf(w, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Started: %s\n", formatTime(job.StartedAt))
	if job.EndedAt != nil {
		fmt.Fprintf(w, "  Ended: %s\n", formatTime(job.EndedAt))
		fmt.Fprintf(w, "  Duration: %s\n", job.Duration().Round(time.Millisecond))
	}
	fmt.Fprintf(w, "  Watermark: %s\n", formatTime(job.LastRecordAt))
	if job.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", job.Error)
	}

	fmt.Fprintln(w, "\nCounters:")
	fmt.Fprintf(w, "  Pages: %d\n", job.Pages)
	if job.CompleteListSize > 0 {
		fmt.Fprintf(w, "  Complete list size: %d\n", job.CompleteListSize)
	}
	fmt.Fprintf(w, "  Processed: %d\n", job.Processed)
	fmt.Fprintf(w, "  Inserted: %d\n", job.Inserted)
	fmt.Fprintf(w, "  Updated: %d\n", job.Updated)
	fmt.Fprintf(w, "  Unchanged: %d\n", job.Unchanged)
	fmt.Fprintf(w, "  Deleted: %d\n", job.Deleted)
	fmt.Fprintf(w, "  Ignored: %d\n", job.Ignored)
	fmt.Fprintf(w, "  Skipped: %d\n", job.Skipped)
	return nil
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobs := make([]*models.Job, 0, len(args))
	for _, id := range args {
		job, err := deps.Store.GetJob(ctx, id)
		if err != nil {
			return fmt.Errorf("get job %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}

	done, err := deps.Registry.RunPackage(ctx, jobs)
	for _, job := range done {
		printJobSummary(cmd.OutOrStdout(), job)
	}
	return err
}

func runJobsRecover(cmd *cobra.Command, args []string) error {
	recovered, err := deps.Registry.Jobs().RecoverInterrupted(cmd.Context())
	for _, job := range recovered {
		fmt.Fprintf(cmd.OutOrStdout(), "Recovered %s (service %s, %d records processed)\n", job.ID, job.ServiceID, job.Processed)
	}
	if err != nil {
		return err
	}
	if len(recovered) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No interrupted jobs")
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
