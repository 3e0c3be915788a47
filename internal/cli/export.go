package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// exportPageSize is the number of rows read from the store per query.
const exportPageSize = 500

var (
	exportOut     string
	exportDeleted bool
)

var exportCmd = &cobra.Command{
	Use:   "export <service>",
	Short: "Export harvested identifiers as JSON lines",
	Long: `Write every harvested identifier of a service as one JSON object per
line, ordered by provider time. Deleted identifiers are left out unless
--deleted is given.

Examples:
  igsnh export <service> > samples.jsonl
  igsnh export <service> --out samples.jsonl --deleted`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "write to this file instead of stdout")
	exportCmd.Flags().BoolVar(&exportDeleted, "deleted", false, "include identifiers marked deleted")
}

func runExport(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	svc, err := deps.Registry.ResolveService(ctx, args[0])
	if err != nil {
		return fmt.Errorf("resolve service %s: %w", args[0], err)
	}

	var out io.Writer = cmd.OutOrStdout()
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close export file: %w", cerr)
			}
		}()
		out = f
	}

	buf := bufio.NewWriter(out)
	enc := json.NewEncoder(buf)
	written := 0
	for offset := 0; ; offset += exportPageSize {
		page, err := deps.Store.ListIdentifiers(ctx, svc.ID, offset, exportPageSize)
		if err != nil {
			return fmt.Errorf("list identifiers: %w", err)
		}
		for _, ident := range page {
			if ident.Deleted && !exportDeleted {
				continue
			}
			if err := enc.Encode(ident); err != nil {
				return fmt.Errorf("encode %s: %w", ident.ExternalID, err)
			}
			written++
		}
		if len(page) < exportPageSize {
			break
		}
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	if exportOut != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d identifiers to %s\n", written, exportOut)
	}
	return nil
}
