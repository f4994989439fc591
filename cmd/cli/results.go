package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/freeip/internal/cache"
	"github.com/anstrom/freeip/internal/config"
	"github.com/anstrom/freeip/internal/metrics"
	"github.com/anstrom/freeip/internal/store"
)

var resultsJSON bool

// resultsCmd represents the results command.
var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show the cached free addresses",
	Long: `Print the free addresses found by the last scan, ordered by last
octet, together with when they were recorded and whether the cache has
expired. No probe is run.`,
	Example: `  freeip results
  freeip results --json`,
	Args: cobra.NoArgs,
	RunE: runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)

	resultsCmd.Flags().BoolVar(&resultsJSON, "json", false, "Print the cache entry as JSON")
}

func runResults(cmd *cobra.Command, _ []string) error {
	return withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, st store.Store) error {
		c := cache.New(st, commandLogger(cmd.ErrOrStderr()), metrics.Nop{})
		c.Load(ctx)
		entry := c.Snapshot(cache.NowMillis(time.Now()))

		if resultsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entry)
		}
		displayResults(cmd.OutOrStdout(), entry, time.Now())
		return nil
	})
}

// displayResults displays a cache entry in a table format
func displayResults(out io.Writer, entry cache.Entry, now time.Time) {
	switch entry.Status {
	case cache.NeverScanned:
		fmt.Fprintln(out, "No scan has completed yet. Run 'freeip scan' to find free addresses.")
		return
	case cache.Empty:
		fmt.Fprintln(out, "The last scan found no free addresses.")
	default:
		table := tablewriter.NewWriter(out)
		table.Header("#", "Address")
		for i, addr := range entry.Addresses {
			_ = table.Append([]string{strconv.Itoa(i + 1), addr.String()})
		}
		_ = table.Render()
	}

	fmt.Fprintf(out, "Last updated: %s\n", formatFreshness(entry.LastUpdated, now))
	if entry.Expired {
		fmt.Fprintln(out, "Status: expired, run 'freeip scan' to refresh")
	} else {
		fmt.Fprintln(out, "Status: fresh")
	}
}

// formatFreshness renders a millisecond timestamp with its age.
func formatFreshness(lastUpdated uint64, now time.Time) string {
	if lastUpdated == 0 {
		return "never"
	}
	at := time.UnixMilli(int64(lastUpdated)) //nolint:gosec // timestamps fit in int64
	age := now.Sub(at).Round(time.Second)
	if age < 0 {
		age = 0
	}
	return fmt.Sprintf("%s (%s ago)", at.Local().Format("2006-01-02 15:04:05"), age)
}
