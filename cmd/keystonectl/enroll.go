package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/keystone/pkg/audit"
	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/keystone"
	"github.com/forest6511/keystone/pkg/security"
)

// Enroll flags
var (
	enrollImage     string
	enrollQuestions int
	enrollThreshold int
	enrollRequired  string
	enrollNoVault   bool
)

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().StringVar(&enrollImage, "image", "", "Keystone image id (prompted without echo when omitted)")
	enrollCmd.Flags().IntVar(&enrollQuestions, "questions", 4, "Number of security questions to answer")
	enrollCmd.Flags().IntVar(&enrollThreshold, "threshold", 0, "Recovery threshold (default from configuration)")
	enrollCmd.Flags().StringVar(&enrollRequired, "required", "", "Comma-separated kinds every recovery must include (default from configuration)")
	enrollCmd.Flags().BoolVar(&enrollNoVault, "no-vault", false, "Do not create a vault for the user")
}

// enrollCmd enrolls a user's recovery factors
var enrollCmd = &cobra.Command{
	Use:   "enroll [user]",
	Short: "Enrolls a user's keystone image, security answers and recovery phrase",
	Long: `Enrolls a user's recovery factors and creates their vault.

Answers and the image id are read without echo. A 24-word recovery phrase is
generated and printed once; store it offline. Factor weights come from the
policy section of keystone.yaml.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		if err := validateUserID(userID); err != nil {
			return err
		}
		if enrollQuestions < 0 || enrollQuestions > factor.MaxQuestions {
			return fmt.Errorf("--questions must be between 0 and %d", factor.MaxQuestions)
		}

		policy, err := cfg.Policy.Policy()
		if err != nil {
			return err
		}
		threshold := policy.Threshold
		if enrollThreshold > 0 {
			threshold = enrollThreshold
		}
		required := policy.Required
		if enrollRequired != "" {
			if required, err = parseKinds(enrollRequired); err != nil {
				return err
			}
		}

		v := userVault(userID)
		if !enrollNoVault && v.Exists() {
			return fmt.Errorf("a vault already exists for %s at %s", userID, v.Path())
		}

		inputs, phrase, err := collectFactors(policy.Weights)
		if err != nil {
			return err
		}
		if err := warnWeakAnswers(inputs); err != nil {
			return err
		}

		svc, err := openServices(cmd.Context(), audit.SourceCLI)
		if err != nil {
			return err
		}
		defer svc.Close()

		fmt.Println("Deriving factor keys...")
		e, err := svc.reg.Enroll(cmd.Context(), userID, inputs, threshold, keystone.WithRequired(required...))
		if err != nil {
			return fmt.Errorf("failed to enroll: %w", err)
		}
		defer crypto.SecureWipe(e.MasterKey)

		if !enrollNoVault {
			if err := v.Init(e.MasterKey, nil); err != nil {
				return fmt.Errorf("enrolled, but failed to create vault: %w", err)
			}
			v.Lock()
		}

		fmt.Printf("Enrolled %s: %d factors, threshold %d, %d key slots\n",
			userID, len(e.Record.Factors), e.Record.Threshold, len(e.Record.KeySlots))
		if !enrollNoVault {
			fmt.Printf("Vault created at %s\n", v.Path())
		}
		fmt.Println()
		fmt.Println("Recovery phrase (shown once, write it down and keep it offline):")
		fmt.Println()
		fmt.Println("  " + phrase)
		fmt.Println()
		return nil
	},
}

// collectFactors prompts for the image and answers and generates the
// phrase. Weights come from the configured policy.
func collectFactors(weights map[factor.Kind]int) ([]keystone.FactorInput, string, error) {
	var inputs []keystone.FactorInput

	if w, ok := weights[factor.Image]; ok {
		image := enrollImage
		if image == "" {
			var err error
			image, err = readHidden("Keystone image id (empty to skip, see 'keystonectl gallery'): ")
			if err != nil {
				return nil, "", err
			}
		}
		if image = strings.TrimSpace(image); image != "" {
			inputs = append(inputs, keystone.FactorInput{Kind: factor.Image, Value: image, Weight: w})
		}
	} else if enrollImage != "" {
		return nil, "", fmt.Errorf("the configured policy has no weight for %s", factor.Image)
	}

	for i := 1; i <= enrollQuestions; i++ {
		kind := factor.Question(i)
		w, ok := weights[kind]
		if !ok {
			return nil, "", fmt.Errorf("the configured policy has no weight for %s", kind)
		}
		answer, err := readAnswer(i)
		if err != nil {
			return nil, "", err
		}
		inputs = append(inputs, keystone.FactorInput{Kind: kind, Value: answer, Weight: w})
	}

	var phrase string
	if _, ok := weights[factor.Phrase]; ok {
		var err error
		if phrase, err = factor.GeneratePhrase(); err != nil {
			return nil, "", err
		}
		inputs = append(inputs, keystone.FactorInput{Kind: factor.Phrase, Value: phrase})
	}
	return inputs, phrase, nil
}

// warnWeakAnswers prints guessable or shared answers to stderr.
func warnWeakAnswers(inputs []keystone.FactorInput) error {
	answers := make(map[factor.Kind]string)
	for _, in := range inputs {
		if in.Kind.IsQuestion() {
			answers[in.Kind] = in.Value
		}
	}
	issues, err := security.ReviewAnswers(answers)
	if err != nil {
		return err
	}
	for _, issue := range issues {
		fmt.Fprintf(os.Stderr, "warning: %s\n", issue.Message)
	}
	return nil
}

// readAnswer reads and confirms the answer to question n.
func readAnswer(n int) (string, error) {
	first, err := readHidden(fmt.Sprintf("Answer to security question %d: ", n))
	if err != nil {
		return "", err
	}
	second, err := readHidden(fmt.Sprintf("Confirm answer %d: ", n))
	if err != nil {
		return "", err
	}
	if factor.NormalizeAnswer(first) != factor.NormalizeAnswer(second) {
		return "", fmt.Errorf("answers to question %d do not match", n)
	}
	return first, nil
}
