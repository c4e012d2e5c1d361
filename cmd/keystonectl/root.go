package main

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/keystone/internal/config"
	"github.com/forest6511/keystone/pkg/factor"
)

var (
	dataDirFlag string
	logJSON     bool
	logDebug    bool

	dataDir string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "keystonectl",
	Short:         "keystonectl manages weighted multi-factor credential recovery",
	Long:          `Enroll users with a keystone image, security questions and a recovery phrase, and recover their master key from any qualifying combination.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE runs before every subcommand. It sets up logging
	// and loads the configuration from the data directory.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()

		dir, err := config.DataDir(dataDirFlag)
		if err != nil {
			return err
		}
		dataDir = dir

		c, err := config.Load(dataDir)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default $"+config.EnvDataDir+" or ~/"+config.DefaultDirName+")")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")
	rootCmd.PersistentFlags().BoolVar(&logDebug, "log-debug", false, "Enable debug logging")
}

func setupLogger() {
	level := slog.LevelInfo
	if logDebug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@+-]{0,127}$`)

// validateUserID rejects ids that cannot safely name a vault directory.
func validateUserID(id string) error {
	if !userIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid user id %q (letters, digits and . _ @ + - only, max 128)", id)
	}
	return nil
}

// parseKinds parses a comma-separated list of factor kinds.
func parseKinds(s string) ([]factor.Kind, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var kinds []factor.Kind
	for _, part := range strings.Split(s, ",") {
		k, err := factor.ParseKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// parseDuration parses durations with day, week and year units
// besides the ones time.ParseDuration understands.
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var mult time.Duration
	switch unit {
	case 'd':
		mult = 24 * time.Hour
	case 'w':
		mult = 7 * 24 * time.Hour
	case 'y':
		mult = 365 * 24 * time.Hour
	default:
		return time.ParseDuration(s)
	}

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", valueStr)
	}
	return time.Duration(value) * mult, nil
}
