package cli

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/freeip/internal/settings"
)

var interfacesJSON bool

// interfacesCmd represents the interfaces command.
var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List network interfaces usable for the iface setting",
	Example: `  freeip interfaces
  freeip settings set iface "$(freeip interfaces --json | jq -r '.[0].name')"`,
	Args: cobra.NoArgs,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)

	interfacesCmd.Flags().BoolVar(&interfacesJSON, "json", false, "Print interfaces as JSON")
}

func runInterfaces(cmd *cobra.Command, _ []string) error {
	ifaces, err := settings.Interfaces()
	if err != nil {
		return err
	}
	if interfacesJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ifaces)
	}
	return displayInterfaces(cmd.OutOrStdout(), ifaces)
}

// displayInterfaces displays interfaces in a table format
func displayInterfaces(out io.Writer, ifaces []settings.Interface) error {
	table := tablewriter.NewWriter(out)
	table.Header("Name", "State", "MAC", "Addresses")
	for _, iface := range ifaces {
		state := "down"
		if iface.Up {
			state = "up"
		}
		mac := iface.HardwareAddr
		if mac == "" {
			mac = "-"
		}
		_ = table.Append([]string{iface.Name, state, mac, strings.Join(iface.Addrs, ", ")})
	}
	return table.Render()
}
