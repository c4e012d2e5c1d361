package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/keystone/pkg/audit"
)

var unlockForce bool

func init() {
	rootCmd.AddCommand(unlockCmd)

	unlockCmd.Flags().BoolVarP(&unlockForce, "force", "f", false, "Skip confirmation prompt")
}

// unlockCmd clears a user's failure counters
var unlockCmd = &cobra.Command{
	Use:   "unlock [user]",
	Short: "Clears a user's failed attempts and lifts every lockout",
	Long: `Deletes every recorded failure of the user. Successful recoveries keep
the counters, so this is the only way to lift a lockout before its window
expires.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		if err := validateUserID(userID); err != nil {
			return err
		}

		if !unlockForce {
			ok, err := confirm(fmt.Sprintf("Clear all failed attempts of %s?", userID))
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

		if _, err := svc.reg.Status(cmd.Context(), userID); err != nil {
			return err
		}
		if err := svc.reg.ResetFailures(cmd.Context(), userID); err != nil {
			return err
		}
		fmt.Printf("Failed attempts of %s cleared\n", userID)
		return nil
	},
}
