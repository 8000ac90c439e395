package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export and import vault backups",
	Long:  "Backups carry ciphertext and rotation state sealed under a passphrase; they never contain plaintext or key material.",
}

var exportBackupCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export a sealed backup",
	Args:  cobra.ExactArgs(1),
	RunE:  exportBackup,
}

var importBackupCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a sealed backup",
	Args:  cobra.ExactArgs(1),
	RunE:  importBackup,
}

var backupPassphrase string

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(exportBackupCmd)
	backupCmd.AddCommand(importBackupCmd)

	backupCmd.PersistentFlags().StringVar(&backupPassphrase, "backup-passphrase", "", "passphrase sealing the backup (or use LOCKBOX_BACKUP_PASSPHRASE env var)")
}

func resolveBackupPassphrase() (string, error) {
	if backupPassphrase != "" {
		return backupPassphrase, nil
	}
	if p := os.Getenv("LOCKBOX_BACKUP_PASSPHRASE"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("backup passphrase is required. Use --backup-passphrase or LOCKBOX_BACKUP_PASSPHRASE")
}

func exportBackup(cmd *cobra.Command, args []string) error {
	p, err := resolveBackupPassphrase()
	if err != nil {
		return err
	}

	sealed, err := vault.ExportBackup(p)
	if err != nil {
		return fmt.Errorf("backup export failed: %w", err)
	}

	if err = os.WriteFile(args[0], sealed, 0600); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}
	fmt.Printf("Exported backup to %s (%d bytes)\n", args[0], len(sealed))
	return nil
}

func importBackup(cmd *cobra.Command, args []string) error {
	p, err := resolveBackupPassphrase()
	if err != nil {
		return err
	}

	sealed, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read backup file: %w", err)
	}

	restored, err := vault.ImportBackup(sealed, p)
	if err != nil {
		return fmt.Errorf("backup import failed: %w", err)
	}
	fmt.Printf("Restored %d entries from %s\n", restored, args[0])
	return nil
}
