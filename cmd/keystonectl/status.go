package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/keystone/internal/cli"
	"github.com/forest6511/keystone/pkg/audit"
	"github.com/forest6511/keystone/pkg/keystone"
)

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(usersCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	usersCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

// statusCmd shows enrollment and lock state for one or more users
var statusCmd = &cobra.Command{
	Use:   "status [user|pattern]...",
	Short: "Shows enrolled factors, weights and lock state",
	Long: `Shows enrolled factors, weights and lock state. Arguments may be glob
patterns such as 'ops-*', matched against enrolled user ids.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices(cmd.Context(), audit.SourceCLI)
		if err != nil {
			return err
		}
		defer svc.Close()

		if len(args) == 1 && !cli.IsPattern(args[0]) {
			st, err := svc.reg.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if statusJSON {
				return writeJSON(st)
			}
			printStatus(st)
			return nil
		}

		ids, err := svc.store.ListUserIDs(cmd.Context())
		if err != nil {
			return err
		}
		users, err := cli.MatchAllUsers(args, ids)
		if err != nil {
			return err
		}
		all := make([]*keystone.Status, 0, len(users))
		for _, id := range users {
			st, err := svc.reg.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			all = append(all, st)
		}
		if statusJSON {
			return writeJSON(all)
		}
		for i, st := range all {
			if i > 0 {
				fmt.Println()
			}
			printStatus(st)
		}
		return nil
	},
}

// usersCmd lists enrolled user ids
var usersCmd = &cobra.Command{
	Use:   "users [pattern]",
	Short: "Lists enrolled users",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		ids, err := store.ListUserIDs(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			if ids, err = cli.MatchUsers(args[0], ids); err != nil {
				return err
			}
		}
		if statusJSON {
			return writeJSON(ids)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(st *keystone.Status) {
	fmt.Printf("User:       %s\n", st.UserID)
	fmt.Printf("Enrolled:   %s\n", st.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Threshold:  %d\n", st.Threshold)
	if len(st.Required) > 0 {
		names := make([]string, len(st.Required))
		for i, k := range st.Required {
			names[i] = k.String()
		}
		fmt.Printf("Required:   %s\n", strings.Join(names, ", "))
	}
	fmt.Printf("Key slots:  %d\n", st.KeySlots)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FACTOR\tWEIGHT\tFAILURES\tREMAINING\tSTATE")
	for _, f := range st.Factors {
		remaining := "-"
		if f.Remaining >= 0 {
			remaining = fmt.Sprintf("%d", f.Remaining)
		}
		state := "ok"
		if f.Locked {
			state = fmt.Sprintf("locked (%s)", f.RetryAfter.Round(time.Second))
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", f.Kind, f.Weight, f.Failures, remaining, state)
	}
	w.Flush()
}
