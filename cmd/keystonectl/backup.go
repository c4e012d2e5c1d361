package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forest6511/keystone/internal/config"
	"github.com/forest6511/keystone/pkg/backup"
	"github.com/forest6511/keystone/pkg/crypto"
)

// Backup and restore flags
var (
	backupOutput      string
	backupKeyFile     string
	backupWithAudit   bool
	backupGenerateKey bool

	restoreKeyFile    string
	restoreOnConflict string
	restoreDryRun     bool
	restoreWithAudit  bool
	restoreVerifyOnly bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)

	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Output file (required)")
	backupCmd.Flags().StringVar(&backupKeyFile, "key-file", "", "Encrypt with this 32-byte key file instead of the server key")
	backupCmd.Flags().BoolVar(&backupWithAudit, "with-audit", false, "Include the audit log")
	backupCmd.Flags().BoolVar(&backupGenerateKey, "generate-key", false, "Create --key-file before writing the backup")
	_ = backupCmd.MarkFlagRequired("output")

	restoreCmd.Flags().StringVar(&restoreKeyFile, "key-file", "", "Decrypt with this key file instead of the server key")
	restoreCmd.Flags().StringVar(&restoreOnConflict, "on-conflict", "error", "How to handle enrolled users: error, skip or overwrite")
	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "Show what would be restored")
	restoreCmd.Flags().BoolVar(&restoreWithAudit, "with-audit", false, "Restore the audit log (target must have none)")
	restoreCmd.Flags().BoolVar(&restoreVerifyOnly, "verify-only", false, "Only verify backup integrity")
}

// backupCmd writes an encrypted snapshot of every enrollment
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Writes an encrypted backup of all enrollments",
	Long: `Writes an encrypted, HMAC-protected snapshot of every keystone record.
Failure counters and vaults are not included.

By default the backup is keyed by the server key, so it can only be restored
where that key is available. Use --key-file to key it separately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, mode, err := backupKey(backupKeyFile, backupGenerateKey)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(key)

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		opts := backup.Options{Key: key, Mode: mode}
		if backupWithAudit {
			opts.AuditDir = cfg.AuditPath(dataDir)
		}

		tmp := backupOutput + ".tmp"
		f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create backup file: %w", err)
		}
		h, err := backup.Backup(cmd.Context(), f, store, opts)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, backupOutput); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to write backup file: %w", err)
		}

		fmt.Printf("Backed up %d enrollments to %s\n", h.RecordCount, backupOutput)
		if h.IncludesAudit {
			fmt.Println("Audit log included")
		}
		return nil
	},
}

// restoreCmd restores enrollments from a backup
var restoreCmd = &cobra.Command{
	Use:   "restore [file]",
	Short: "Restores enrollments from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := parseConflictMode(restoreOnConflict)
		if err != nil {
			return err
		}
		key, _, err := backupKey(restoreKeyFile, false)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(key)

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open backup: %w", err)
		}
		defer f.Close()

		if restoreVerifyOnly {
			h, err := backup.Verify(f, key)
			if err != nil {
				return err
			}
			fmt.Printf("Backup OK: %d enrollments, created %s\n", h.RecordCount, h.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			return nil
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		opts := backup.RestoreOptions{Key: key, OnConflict: mode, DryRun: restoreDryRun}
		if restoreWithAudit {
			opts.AuditDir = cfg.AuditPath(dataDir)
		}
		res, err := backup.Restore(cmd.Context(), f, store, opts)
		if err != nil {
			return err
		}

		prefix := "Restored"
		if res.DryRun {
			prefix = "Would restore"
		}
		fmt.Printf("%s %d enrollments (%d skipped, %d overwritten)\n", prefix, res.Restored+res.Overwritten, res.Skipped, res.Overwritten)
		if res.AuditRestored {
			fmt.Println("Audit log restored")
		}
		return nil
	},
}

// backupKey returns the key file contents, or the server key when path is
// empty.
func backupKey(path string, generate bool) ([]byte, backup.EncryptionMode, error) {
	if path == "" {
		if generate {
			return nil, "", fmt.Errorf("--generate-key requires --key-file")
		}
		key, err := config.LoadServerKey(dataDir)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load server key: %w", err)
		}
		return key, backup.EncryptionModeServerKey, nil
	}

	if generate {
		if err := backup.GenerateKeyFile(path); err != nil {
			return nil, "", err
		}
		fmt.Fprintf(os.Stderr, "Generated key file %s; store it apart from the backup\n", filepath.Clean(path))
	}
	key, err := backup.ReadKeyFile(path)
	if err != nil {
		return nil, "", err
	}
	return key, backup.EncryptionModeKeyFile, nil
}

func parseConflictMode(s string) (backup.ConflictMode, error) {
	switch s {
	case "error":
		return backup.ConflictError, nil
	case "skip":
		return backup.ConflictSkip, nil
	case "overwrite":
		return backup.ConflictOverwrite, nil
	default:
		return 0, fmt.Errorf("invalid --on-conflict %q (error, skip or overwrite)", s)
	}
}
