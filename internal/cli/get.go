package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/spf13/cobra"
)

var getJSON bool

var getCmd = &cobra.Command{
	Use:   "get <service> <igsn>",
	Short: "Show a harvested identifier",
	Long: `Show one harvested identifier of a service. The IGSN may be given
in any of the forms providers use, such as "IGSN:10273/ABC123" or
"http://igsn.org/ABC123".

Examples:
  igsnh get <service> ABC123
  igsnh get <service> 10273/ABC123 --json`,
	Args: cobra.ExactArgs(2),
	RunE: runGet,
}

func init() {
	getCmd.Flags().BoolVar(&getJSON, "json", false, "print the stored row as JSON")
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := deps.Registry.ResolveService(ctx, args[0])
	if err != nil {
		return fmt.Errorf("resolve service %s: %w", args[0], err)
	}

	externalID, ok := models.NormalizeIGSN(args[1])
	if !ok {
		externalID = strings.TrimSpace(args[1])
	}
	ident, err := deps.Store.GetIdentifier(ctx, svc.ID, externalID)
	if err != nil {
		return fmt.Errorf("get identifier %s: %w", externalID, err)
	}

	w := cmd.OutOrStdout()
	if getJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ident)
	}

	fmt.Fprintf(w, "IGSN: %s\n", ident.ExternalID)
	fmt.Fprintf(w, "  OAI identifier: %s\n", ident.OAIID)
	fmt.Fprintf(w, "  Registrant: %s\n", orDash(ident.Registrant))
	fmt.Fprintf(w, "  Provider time: %s\n", ident.ProviderTime.Format(time.RFC3339))
	fmt.Fprintf(w, "  IGSN time: %s\n", formatTime(ident.IGSNTime))
	fmt.Fprintf(w, "  Harvested: %s\n", ident.HarvestedAt.Format(time.RFC3339))
	if ident.Deleted {
		fmt.Fprintln(w, "  Deleted: yes")
	}
	if len(ident.SetSpecs) > 0 {
		fmt.Fprintf(w, "  Sets: %s\n", strings.Join(ident.SetSpecs, ", "))
	}
	if len(ident.Log) > 0 {
		fmt.Fprintln(w, "\nLog:")
		for _, ev := range ident.Log {
			fmt.Fprintf(w, "  - %s %s\n", ev.Event, ev.Time.UTC().Format(time.RFC3339))
		}
	}
	if len(ident.Related) > 0 {
		fmt.Fprintln(w, "\nRelated:")
		for _, rel := range ident.Related {
			fmt.Fprintf(w, "  - %s %s (%s)\n", rel.Relation, rel.ID, rel.IDType)
		}
	}
	return nil
}
