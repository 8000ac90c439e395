package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the vault data key",
	Long:  "Generate a new key version, re-encrypt stored entries under it and retire old versions past the retention bound.",
	RunE:  rotateKeys,
}

var rotateReason string

func init() {
	rootCmd.AddCommand(rotateCmd)
	rotateCmd.Flags().StringVar(&rotateReason, "reason", "manual", "reason recorded with the rotation")
}

func rotateKeys(cmd *cobra.Command, args []string) error {
	result, err := vault.Rotate(cmd.Context(), rotateReason)
	if err != nil {
		return fmt.Errorf("rotation failed: %w", err)
	}

	fmt.Printf("Rotated to key version %s\n", result.NewVersionID)
	fmt.Printf("Re-encrypted %d entries in %s\n", result.ItemsReEncrypted, result.Duration.Round(1e6))
	if len(result.Errors) > 0 {
		fmt.Printf("%d entries failed and stay on their previous version:\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("  %s: %s\n", e.Key, e.Err)
		}
	}
	return nil
}
