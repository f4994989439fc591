package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/freeip/internal/auth"
)

var apiKeyOutput string

// apiKeysCmd represents the apikeys command group
var apiKeysCmd = &cobra.Command{
	Use:     "apikeys",
	Aliases: []string{"apikey", "keys"},
	Short:   "Manage API keys for the daemon API",
	Long: `Generate API keys for clients of the daemon API.

With api.auth.enabled every API route except liveness, health, version and
metrics requires a key in the X-API-Key header or as Authorization: Bearer.
Only bcrypt hashes of the keys are kept in the configuration.`,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

// apiKeysGenerateCmd creates a new API key
var apiKeysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key and its hash",
	Long: `Generate a new API key. The key is displayed only once; add the printed
hash to api.auth.key_hashes and restart the daemon.`,
	Example: `  freeip apikeys generate
  freeip apikeys generate --output json`,
	Args: cobra.NoArgs,
	RunE: runAPIKeysGenerate,
}

// apiKeysHashCmd hashes an existing key
var apiKeysHashCmd = &cobra.Command{
	Use:   "hash KEY",
	Short: "Print the bcrypt hash of an existing key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeysHash,
}

func init() {
	rootCmd.AddCommand(apiKeysCmd)
	apiKeysCmd.AddCommand(apiKeysGenerateCmd)
	apiKeysCmd.AddCommand(apiKeysHashCmd)

	apiKeysGenerateCmd.Flags().StringVarP(&apiKeyOutput, "output", "o", "text", "Output format: text, json")
}

func runAPIKeysGenerate(cmd *cobra.Command, _ []string) error {
	if apiKeyOutput != "text" && apiKeyOutput != "json" {
		return fmt.Errorf("invalid output format %q: use text or json", apiKeyOutput)
	}

	generated, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate API key: %w", err)
	}

	if apiKeyOutput == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(generated)
	}
	displayGeneratedKey(cmd.OutOrStdout(), generated)
	return nil
}

func runAPIKeysHash(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	if !auth.IsValidAPIKeyFormat(key) {
		return fmt.Errorf("not a freeip API key: expected %s_ followed by %d base32 characters",
			auth.APIKeyPrefix, auth.APIKeyLength)
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

func displayGeneratedKey(out io.Writer, generated *auth.GeneratedAPIKey) {
	fmt.Fprintf(out, "API key: %s\n", generated.Key)
	fmt.Fprintln(out, "The key is shown only once. Store it securely.")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Add the hash to the daemon configuration:")
	fmt.Fprintln(out, "  api:")
	fmt.Fprintln(out, "    auth:")
	fmt.Fprintln(out, "      enabled: true")
	fmt.Fprintln(out, "      key_hashes:")
	fmt.Fprintf(out, "        - %q\n", generated.Hash)
}
