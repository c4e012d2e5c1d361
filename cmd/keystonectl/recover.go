package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/keystone/pkg/audit"
	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/grid"
	"github.com/forest6511/keystone/pkg/recovery"
	"github.com/forest6511/keystone/pkg/vault"
)

// Recover flags
var (
	recoverPrint    bool
	recoverWrite    bool
	recoverPrintKey bool
	recoverFrom     string
)

func init() {
	rootCmd.AddCommand(recoverCmd)

	recoverCmd.Flags().BoolVar(&recoverPrint, "print", false, "Print the vault contents after recovery")
	recoverCmd.Flags().BoolVar(&recoverWrite, "write", false, "Replace the vault contents with data from a file named by --from")
	recoverCmd.Flags().StringVar(&recoverFrom, "from", "", "File to read new vault contents from (with --write)")
	recoverCmd.Flags().BoolVar(&recoverPrintKey, "print-key", false, "Print the recovered master key (base64)")
}

// recoverCmd walks a user through recovery and opens their vault
var recoverCmd = &cobra.Command{
	Use:   "recover [user]",
	Short: "Recovers a user's master key and opens their vault",
	Long: `Starts a recovery session. If the user enrolled a keystone image, a 3x3 grid
is shown first; pick the position of your image. Then answer security
questions or enter the recovery phrase until enough weight is verified.

Leave any prompt empty to skip that factor.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		if err := validateUserID(userID); err != nil {
			return err
		}
		if recoverWrite && recoverFrom == "" {
			return fmt.Errorf("--write requires --from")
		}

		svc, err := openServices(cmd.Context(), audit.SourceCLI)
		if err != nil {
			return err
		}
		defer svc.Close()
		mgr := svc.manager(audit.SourceCLI)
		defer mgr.Close()

		key, err := runRecovery(cmd.Context(), mgr, userID)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(key)

		if recoverPrintKey {
			fmt.Println(base64.StdEncoding.EncodeToString(key))
		}
		return openUserVault(userID, key)
	},
}

// runRecovery drives one session to a terminal state and returns the
// master key on success.
func runRecovery(ctx context.Context, mgr *recovery.Manager, userID string) ([]byte, error) {
	s, err := mgr.Start(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to start recovery: %w", err)
	}
	id := s.ID()

	if g, ok := s.Grid(); ok {
		printGrid(os.Stderr, g)
		pos, err := readPosition()
		if err != nil {
			return nil, err
		}
		if pos >= 0 {
			out, err := mgr.SubmitImage(ctx, id, pos)
			if key, done, err := report(out, err); done || err != nil {
				return key, err
			}
		}
	}

	for _, kind := range s.Questions() {
		answer, err := readHidden(fmt.Sprintf("Answer to security question %d (empty to skip): ", questionNumber(kind)))
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(answer) == "" {
			continue
		}
		out, err := mgr.SubmitAnswer(ctx, id, kind, answer)
		if key, done, err := report(out, err); done || err != nil {
			return key, err
		}
	}

	if s.HasPhrase() {
		phrase, err := readHidden("Recovery phrase (empty to skip): ")
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(phrase) != "" {
			out, err := mgr.SubmitPhrase(ctx, id, phrase)
			if key, done, err := report(out, err); done || err != nil {
				return key, err
			}
		}
	}

	_ = mgr.Cancel(id)
	return nil, errors.New("recovery incomplete: not enough factors verified")
}

// report prints an outcome and reports whether the session ended.
func report(out *recovery.Outcome, err error) ([]byte, bool, error) {
	if err != nil {
		return nil, true, err
	}
	fmt.Fprintf(os.Stderr, "%s (weight %d, %d more needed)\n", out.Message, out.CurrentWeight, out.Remaining)

	switch out.State {
	case recovery.StateReconstructed:
		return out.MasterKey, true, nil
	case recovery.StateFailed, recovery.StateLockedOut:
		return nil, true, fmt.Errorf("recovery ended: %s", out.Message)
	}
	return nil, false, nil
}

func questionNumber(k factor.Kind) int {
	n, _ := k.QuestionIndex()
	return n
}

// printGrid renders the 3x3 grid with positions 1-9.
func printGrid(w io.Writer, g grid.Grid) {
	fmt.Fprintln(w, "Select your keystone image:")
	for row := 0; row < 3; row++ {
		var cells []string
		for col := 0; col < 3; col++ {
			i := row*3 + col
			cells = append(cells, fmt.Sprintf("%d) %-22s", i+1, g[i].Metadata.Title))
		}
		fmt.Fprintln(w, "  "+strings.TrimRight(strings.Join(cells, " "), " "))
	}
}

// readPosition reads a grid choice 1-9 and returns it zero-based, or -1
// when skipped.
func readPosition() (int, error) {
	line, err := readPrompt("Position (1-9, empty to skip): ")
	if err != nil {
		return 0, err
	}
	return parsePosition(line)
}

func parsePosition(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid position %q", s)
	}
	// Out-of-range choices are submitted and count as a failed attempt.
	return n - 1, nil
}

// openUserVault unlocks the user's vault with the recovered key and
// applies the --print and --write flags.
func openUserVault(userID string, key []byte) error {
	v := userVault(userID)
	if !v.Exists() {
		fmt.Fprintln(os.Stderr, "Master key recovered. No vault exists for this user.")
		return nil
	}
	if err := v.Unlock(key); err != nil {
		if errors.Is(err, vault.ErrWrongKey) {
			return fmt.Errorf("recovered key does not open the vault at %s (was the user re-enrolled?)", v.Path())
		}
		return fmt.Errorf("failed to unlock vault: %w", err)
	}
	defer v.Lock()
	fmt.Fprintf(os.Stderr, "Vault unlocked at %s\n", v.Path())

	if recoverWrite {
		data, err := os.ReadFile(recoverFrom)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", recoverFrom, err)
		}
		defer crypto.SecureWipe(data)
		if err := v.Write(data); err != nil {
			return fmt.Errorf("failed to write vault: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Vault updated (%d bytes)\n", len(data))
	}

	if recoverPrint {
		data, err := v.Read()
		if err != nil {
			return fmt.Errorf("failed to read vault: %w", err)
		}
		defer crypto.SecureWipe(data)
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
	}
	return nil
}
