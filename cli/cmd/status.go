package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"southwinds.dev/lockbox"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display device capabilities, rotation state and entry count.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Vault Status")
	fmt.Println("============")

	caps := vault.Capabilities()
	fmt.Printf("Hardware Isolation: %t\n", caps.HardwareIsolation)
	fmt.Printf("Biometry:           %t\n", caps.Biometry)
	fmt.Printf("Device Credential:  %t\n", caps.DeviceCredential)

	status, err := vault.RotationStatus()
	if err != nil {
		return err
	}
	fmt.Printf("Current Key:        %s\n", orNone(status.CurrentVersion))
	fmt.Printf("Key Versions:       %d\n", len(status.AvailableVersions))
	for _, kv := range status.AvailableVersions {
		line := fmt.Sprintf("  %s  created %s", kv.ID, kv.CreatedAt.Format("2006-01-02"))
		if kv.RequiresBiometry {
			line += "  biometry-bound"
		}
		if kv.ID == status.CurrentVersion {
			line += "  (current)"
		}
		fmt.Println(line)
	}
	if !status.LastRotationAt.IsZero() {
		fmt.Printf("Last Rotation:      %s\n", status.LastRotationAt.Format("2006-01-02 15:04:05 MST"))
	}
	if status.IsRotating {
		fmt.Println("Rotation:           in progress")
	}

	entries, err := vault.ListAll(cmd.Context(), false, lockbox.Prompt{})
	if err != nil {
		return err
	}
	fmt.Printf("Total Secrets:      %d\n", len(entries))
	fmt.Printf("Vault Path:         %s\n", vaultPath)

	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
