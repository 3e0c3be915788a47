package cli

import (
	"fmt"
	"strconv"

	"github.com/raphaelgruber/igsnharvest/internal/oai"
	"github.com/spf13/cobra"
)

var serviceCounts bool

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage OAI-PMH providers",
	Long: `Register, list and inspect OAI-PMH providers.

Examples:
  igsnh service add https://app.geosamples.org/oai
  igsnh service list
  igsnh service refresh <id>
  igsnh service sets <id> --counts`,
}

var serviceAddCmd = &cobra.Command{
	Use:   "add <base-url>",
	Short: "Register a provider and describe it from Identify",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceAdd,
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered providers",
	Args:  cobra.NoArgs,
	RunE:  runServiceList,
}

var serviceRefreshCmd = &cobra.Command{
	Use:   "refresh <service>",
	Short: "Re-run Identify and ListSets for a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceRefresh,
}

var serviceSetsCmd = &cobra.Command{
	Use:   "sets <service>",
	Short: "List the sets a provider publishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceSets,
}

func init() {
	serviceSetsCmd.Flags().BoolVar(&serviceCounts, "counts", false, "count the records of every set")

	serviceCmd.AddCommand(serviceAddCmd)
	serviceCmd.AddCommand(serviceListCmd)
	serviceCmd.AddCommand(serviceRefreshCmd)
	serviceCmd.AddCommand(serviceSetsCmd)
}

func runServiceAdd(cmd *cobra.Command, args []string) error {
	svc, err := deps.Registry.AddService(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service %s\n", svc.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "  URL: %s\n", svc.BaseURL)
	fmt.Fprintf(cmd.OutOrStdout(), "  Name: %s\n", orDash(svc.Name))
	fmt.Fprintf(cmd.OutOrStdout(), "  Earliest datestamp: %s\n", formatTime(svc.EarliestDatestamp))
	if svc.Granularity != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  Granularity: %s\n", svc.Granularity)
	}
	return nil
}

func runServiceList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	services, err := deps.Store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	if len(services) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No services registered.")
		return nil
	}

	rows := make([][]string, 0, len(services))
	for _, svc := range services {
		watermark := "-"
		if wm, ok, err := deps.Store.Watermark(ctx, svc.ID); err != nil {
			return fmt.Errorf("watermark of %s: %w", svc.ID, err)
		} else if ok {
			watermark = formatTime(&wm)
		}
		count, err := deps.Store.CountIdentifiers(ctx, svc.ID)
		if err != nil {
			return fmt.Errorf("count identifiers of %s: %w", svc.ID, err)
		}
		rows = append(rows, []string{svc.ID, orDash(svc.Name), svc.BaseURL, watermark, strconv.Itoa(count)})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "NAME", "URL", "WATERMARK", "RECORDS"}, rows))
	return nil
}

func runServiceRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := deps.Registry.ResolveService(ctx, args[0])
	if err != nil {
		return err
	}
	svc, err = deps.Registry.RefreshService(ctx, svc.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %s (%s)\n", svc.ID, svc.BaseURL)
	fmt.Fprintf(cmd.OutOrStdout(), "  Earliest datestamp: %s\n", formatTime(svc.EarliestDatestamp))
	fmt.Fprintf(cmd.OutOrStdout(), "  Sets: %d\n", len(svc.SetSpecs))
	return nil
}

func runServiceSets(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := deps.Registry.ResolveService(ctx, args[0])
	if err != nil {
		return err
	}
	client := deps.Registry.Client(svc)
	sets, err := client.ListSets(ctx)
	if err != nil {
		return fmt.Errorf("list sets: %w", err)
	}
	if len(sets) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Provider publishes no sets.")
		return nil
	}

	if !serviceCounts {
		rows := make([][]string, 0, len(sets))
		for _, s := range sets {
			rows = append(rows, []string{s.Spec, s.Name})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"SET", "NAME"}, rows))
		return nil
	}

	counts, err := client.SetCounts(ctx, sets, oai.ListOptions{
		MetadataPrefix: cfg.MetadataPrefix,
		DayGranularity: svc.DayGranularity(),
	})
	if err != nil {
		return fmt.Errorf("count sets: %w", err)
	}
	rows := make([][]string, 0, len(counts))
	for _, c := range counts {
		n := strconv.Itoa(c.Count)
		if c.Count < 0 {
			n = "?"
		}
		rows = append(rows, []string{c.Spec, c.Name, n})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"SET", "NAME", "RECORDS"}, rows))
	return nil
}
