package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/keystone/pkg/factor"
)

func init() {
	rootCmd.AddCommand(phraseCmd)
	phraseCmd.AddCommand(phraseGenerateCmd)
	phraseCmd.AddCommand(phraseCheckCmd)
}

// phraseCmd groups recovery phrase helpers
var phraseCmd = &cobra.Command{
	Use:   "phrase",
	Short: "Recovery phrase utilities",
}

// phraseGenerateCmd prints a fresh recovery phrase
var phraseGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: fmt.Sprintf("Generates a %d-word recovery phrase", factor.PhraseWords),
	RunE: func(cmd *cobra.Command, args []string) error {
		phrase, err := factor.GeneratePhrase()
		if err != nil {
			return err
		}
		fmt.Println(phrase)
		return nil
	},
}

// phraseCheckCmd validates a phrase without verifying it against any user
var phraseCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Checks that a recovery phrase is well formed",
	RunE: func(cmd *cobra.Command, args []string) error {
		phrase, err := readHidden("Recovery phrase: ")
		if err != nil {
			return err
		}
		if err := factor.ValidatePhrase(phrase); err != nil {
			return err
		}
		fmt.Println("Phrase is well formed")
		return nil
	},
}
