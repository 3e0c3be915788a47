package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/timeconv"
	"github.com/spf13/cobra"
)

var timeJD bool

var timeCmd = &cobra.Command{
	Use:   "time <value>",
	Short: "Convert between timestamps, Julian Days and deep time",
	Long: `Convert a timestamp to every representation the harvester uses.

The value may be an RFC 3339 timestamp, a plain date, a BCE year
("3000 BCE"), or a before-present age in Ma or ka ("66 Ma", "12.9 ka").
With --jd the value is read as a Julian Day.

Examples:
  igsnh time 2021-03-04T05:06:07Z
  igsnh time "66 Ma"
  igsnh time --jd 2451545`,
	Args: cobra.ExactArgs(1),
	RunE: runTime,
}

func init() {
	timeCmd.Flags().BoolVar(&timeJD, "jd", false, "read the value as a Julian Day")
}

func runTime(cmd *cobra.Command, args []string) error {
	var t time.Time
	if timeJD {
		jd, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("parse julian day: %w", err)
		}
		if t, err = timeconv.FromJD(jd); err != nil {
			return err
		}
	} else {
		var err error
		if t, err = timeconv.ParseTimestamp(args[0]); err != nil {
			return err
		}
	}
	printTime(cmd.OutOrStdout(), t)
	return nil
}

func printTime(w io.Writer, t time.Time) {
	oai, err := timeconv.FormatOAI(t)
	if err != nil {
		oai = "-"
	}
	jsonTime, err := timeconv.FormatJSON(t)
	if err != nil {
		jsonTime = "-"
	}
	fmt.Fprintf(w, "Year:        %d\n", t.Year())
	fmt.Fprintf(w, "OAI-PMH:     %s\n", oai)
	fmt.Fprintf(w, "JSON:        %s\n", jsonTime)
	fmt.Fprintf(w, "Julian Day:  %.6f\n", timeconv.ToJD(t))
	fmt.Fprintf(w, "Ma:          %.6f\n", timeconv.TimeToMa(t))
	if bce, err := timeconv.JDToBCE(timeconv.ToJD(t)); err == nil {
		fmt.Fprintf(w, "BCE:         %d\n", bce)
	}
}
