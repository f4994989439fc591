package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/freeip/internal/config"
	"github.com/anstrom/freeip/internal/settings"
	"github.com/anstrom/freeip/internal/store"
)

// settingsCmd represents the settings command.
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage the scanning range settings",
	Long: `View and change the scanning range handed to the probe: interface,
netmask, gateway, DNS server, the first three octets of the network and
the range of candidate host numbers. With probe.pass_settings enabled the
probe receives them as FREEIP_* environment variables.`,
	Example: `  freeip settings list
  freeip settings get prefix
  freeip settings set prefix 10.0.0
  freeip settings set candidate-end 200`,
}

// settingsListCmd represents the settings list command.
var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsList,
}

// settingsGetCmd represents the settings get command.
var settingsGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsGet,
}

// settingsSetCmd represents the settings set command.
var settingsSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Change one setting",
	Long: `Change one setting. The complete settings are validated before they
are stored; an invalid value leaves the stored settings unchanged.`,
	Args: cobra.ExactArgs(2),
	RunE: runSettingsSet,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsListCmd)
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

func withSettings(cmd *cobra.Command, operation func(context.Context, *settings.Service) error) error {
	return withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, st store.Store) error {
		return operation(ctx, settings.NewService(st, commandLogger(cmd.ErrOrStderr())))
	})
}

func runSettingsList(cmd *cobra.Command, _ []string) error {
	return withSettings(cmd, func(ctx context.Context, svc *settings.Service) error {
		current, err := svc.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		return displaySettings(cmd.OutOrStdout(), current)
	})
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	return withSettings(cmd, func(ctx context.Context, svc *settings.Service) error {
		value, err := svc.Get(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	})
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	return withSettings(cmd, func(ctx context.Context, svc *settings.Service) error {
		if err := svc.Set(ctx, key, value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
		return nil
	})
}

// displaySettings displays settings in a table format
func displaySettings(out io.Writer, s settings.Settings) error {
	table := tablewriter.NewWriter(out)
	table.Header("Key", "Value", "Environment")
	for _, key := range settings.Keys() {
		value, err := s.Value(key)
		if err != nil {
			return err
		}
		if value == "" {
			value = "-"
		}
		_ = table.Append([]string{key, value, settings.EnvName(key)})
	}
	return table.Render()
}
