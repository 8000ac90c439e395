package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"southwinds.dev/lockbox"
)

var secretsCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets in the vault",
	Long:  "Store, retrieve, list and delete secrets, each protected by an access policy resolved against device capabilities.",
}

var putSecretCmd = &cobra.Command{
	Use:   "put [key]",
	Short: "Store a secret",
	Long:  "Store a secret under an access policy. The value can be provided inline, from a file, or via stdin.",
	Args:  cobra.ExactArgs(1),
	RunE:  putSecret,
}

var getSecretCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Retrieve a secret",
	Long:  "Retrieve and decrypt a secret. Legacy-format entries are upgraded in place.",
	Args:  cobra.ExactArgs(1),
	RunE:  getSecret,
}

var deleteSecretCmd = &cobra.Command{
	Use:   "delete [key]",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteSecret,
}

var listSecretsCmd = &cobra.Command{
	Use:   "list",
	Short: "List secrets",
	Long:  "List stored secrets with their policy, tier and key version.",
	RunE:  listSecrets,
}

var secretInfoCmd = &cobra.Command{
	Use:   "info [key]",
	Short: "Show secret metadata",
	Long:  "Display a secret's metadata without decrypting its value.",
	Args:  cobra.ExactArgs(1),
	RunE:  secretInfo,
}

var (
	secretPolicy string
	secretFile   string
	secretData   string
	outputJSON   bool
)

func init() {
	rootCmd.AddCommand(secretsCmd)

	secretsCmd.AddCommand(putSecretCmd)
	secretsCmd.AddCommand(getSecretCmd)
	secretsCmd.AddCommand(deleteSecretCmd)
	secretsCmd.AddCommand(listSecretsCmd)
	secretsCmd.AddCommand(secretInfoCmd)

	putSecretCmd.Flags().StringVar(&secretPolicy, "policy", "", "access policy (hardware-isolated-biometric, biometric-current-set, biometric-any, device-credential, none)")
	putSecretCmd.Flags().StringVar(&secretData, "data", "", "secret value inline")
	putSecretCmd.Flags().StringVar(&secretFile, "file", "", "read secret value from file")

	listSecretsCmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	secretInfoCmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
}

func putSecret(cmd *cobra.Command, args []string) error {
	key := args[0]

	value, err := readValueInput(cmd, secretData, secretFile)
	if err != nil {
		return err
	}

	md, err := vault.Put(cmd.Context(), key, value, lockbox.AccessPolicy(secretPolicy), lockbox.Prompt{})
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}

	fmt.Printf("Stored %s (policy: %s, tier: %s, key version: %s)\n", md.Key, md.Policy, md.Tier, md.KeyVersionID)
	return nil
}

func getSecret(cmd *cobra.Command, args []string) error {
	value, err := vault.Get(cmd.Context(), args[0], lockbox.Prompt{})
	if err != nil {
		return fmt.Errorf("failed to retrieve secret: %w", err)
	}

	if _, err = os.Stdout.Write(value); err != nil {
		return err
	}
	return nil
}

func deleteSecret(cmd *cobra.Command, args []string) error {
	existed, err := vault.Delete(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	if !existed {
		fmt.Printf("Secret %s did not exist\n", args[0])
		return nil
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func listSecrets(cmd *cobra.Command, args []string) error {
	entries, err := vault.ListAll(cmd.Context(), false, lockbox.Prompt{})
	if err != nil {
		return fmt.Errorf("failed to list secrets: %w", err)
	}

	if outputJSON {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tPOLICY\tTIER\tFORMAT\tKEY VERSION\tSIZE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\tv%d\t%s\t%d\n",
			e.Metadata.Key, e.Metadata.Policy, e.Metadata.Tier,
			e.Metadata.FormatVersion, e.Metadata.KeyVersionID, e.Metadata.Size)
	}
	return w.Flush()
}

func secretInfo(cmd *cobra.Command, args []string) error {
	md, err := vault.Metadata(args[0])
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	if outputJSON {
		return json.NewEncoder(os.Stdout).Encode(md)
	}

	fmt.Printf("Key:          %s\n", md.Key)
	fmt.Printf("Policy:       %s\n", md.Policy)
	fmt.Printf("Tier:         %s\n", md.Tier)
	fmt.Printf("Format:       v%d\n", md.FormatVersion)
	fmt.Printf("Key Version:  %s\n", md.KeyVersionID)
	fmt.Printf("Size:         %d bytes\n", md.Size)
	if !md.Timestamp.IsZero() {
		fmt.Printf("Written:      %s\n", md.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}
