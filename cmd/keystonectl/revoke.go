package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/keystone/pkg/audit"
)

// Revoke flags
var (
	revokeForce      bool
	revokePurgeVault bool
)

func init() {
	rootCmd.AddCommand(revokeCmd)

	revokeCmd.Flags().BoolVarP(&revokeForce, "force", "f", false, "Skip confirmation prompt")
	revokeCmd.Flags().BoolVar(&revokePurgeVault, "purge-vault", false, "Also delete the user's vault")
}

// revokeCmd deletes a user's enrollment
var revokeCmd = &cobra.Command{
	Use:   "revoke [user]",
	Short: "Revokes a user's enrollment so they can re-enroll",
	Long: `Deletes the user's keystone record. Failure counters are kept, so revoking
does not reset lockouts. The vault is kept unless --purge-vault is given;
without its old master key it cannot be opened after re-enrollment.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		if err := validateUserID(userID); err != nil {
			return err
		}

		if !revokeForce {
			ok, err := confirm(fmt.Sprintf("Revoke the enrollment of %s?", userID))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted")
				return nil
			}
		}

		svc, err := openServices(cmd.Context(), audit.SourceCLI)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.reg.Revoke(cmd.Context(), userID); err != nil {
			return fmt.Errorf("failed to revoke: %w", err)
		}
		fmt.Printf("Enrollment of %s revoked\n", userID)

		if revokePurgeVault {
			v := userVault(userID)
			if err := os.RemoveAll(v.Path()); err != nil {
				return fmt.Errorf("failed to delete vault: %w", err)
			}
			fmt.Printf("Vault %s deleted\n", v.Path())
		}
		return nil
	},
}
