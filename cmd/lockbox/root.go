package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quietbay/lockbox/internal/config"
	"github.com/quietbay/lockbox/internal/logging"
	"github.com/quietbay/lockbox/pkg/credstore"
	"github.com/quietbay/lockbox/pkg/engine"
)

var (
	configPath string
	cfg        config.Config
	eng        *engine.Engine
	engCancel  context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "lockbox is a zero-knowledge encrypted file vault",
	Long: `A local encrypted file vault. Files are sealed with AES-256-GCM under a
key derived from your passphrase; the passphrase itself is never stored.`,
	SilenceUsage: true,
	// PersistentPreRunE builds the engine before every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		log := logging.New(cfg.LogFile, cfg.Debug)
		eng, err = engine.New(engine.Options{
			VaultRoot:    cfg.VaultDir,
			StagingDir:   cfg.StagingDir,
			IdleTimeout:  cfg.IdleTimeout.Std(),
			LockDebounce: cfg.LockDebounce.Std(),
			SettleDelay:  cfg.SettleDelay.Std(),
			Logger:       log,
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		engCancel = cancel
		return eng.Start(ctx)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if engCancel != nil {
			defer engCancel()
		}
		if eng != nil {
			return eng.Close()
		}
		return nil
	},
}

func init() {
	defaultConfig := filepath.Join(defaultRoot(), "config.yaml")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Path to the config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hintCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(revealCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(auditCmd)
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".lockbox")
}

// initCmd sets up the passphrase for a new vault.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes a new vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		first, err := eng.IsFirstTimeUser()
		if err != nil {
			return err
		}
		if !first {
			return errors.New("vault already initialized")
		}

		fmt.Println("Initializing new vault...")

		pass1, err := readPassphrase("Enter passphrase: ")
		if err != nil {
			return err
		}
		pass2, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass1 != pass2 {
			return errors.New("passphrases do not match")
		}
		if len(pass1) < 8 {
			return errors.New("passphrase must be at least 8 characters")
		}

		fmt.Print("Hint (optional, stored in plaintext): ")
		hint, err := readLine()
		if err != nil {
			return err
		}

		if err := eng.SetupPassphrase(pass1, hint); err != nil {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}
		fmt.Printf("%s Vault initialized at %s\n", color.GreenString("✓"), cfg.VaultDir)
		return nil
	},
}

// statusCmd reports the vault's state without requiring a passphrase.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows vault status",
	RunE: func(cmd *cobra.Command, args []string) error {
		first, err := eng.IsFirstTimeUser()
		if err != nil {
			return err
		}
		if first {
			fmt.Printf("%s Vault not initialized. Run %s first.\n",
				color.YellowString("!"), color.CyanString("lockbox init"))
			return nil
		}

		artifacts, err := eng.Artifacts()
		if err != nil {
			return err
		}
		fmt.Printf("Vault:            %s\n", cfg.VaultDir)
		fmt.Printf("Sealed artifacts: %d\n", len(artifacts))

		attempts, err := eng.FailedAttempts()
		if err != nil {
			return err
		}
		if attempts > 0 {
			fmt.Printf("Failed attempts:  %s\n", color.YellowString("%d", attempts))
		}
		if remaining := eng.RemainingLockout(); remaining > 0 {
			fmt.Printf("%s Locked out for another %v\n",
				color.RedString("✗"), remaining.Round(time.Second))
		}
		return nil
	},
}

// hintCmd prints the stored passphrase hint.
var hintCmd = &cobra.Command{
	Use:   "hint",
	Short: "Shows the passphrase hint",
	RunE: func(cmd *cobra.Command, args []string) error {
		hint, err := eng.Hint()
		if err != nil {
			return err
		}
		if hint == "" {
			fmt.Println("No hint was set")
			return nil
		}
		fmt.Printf("Hint: %s\n", hint)
		return nil
	},
}

// readLine reads a single line from stdin, trimming the trailing newline.
func readLine() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// readPassphrase prompts without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Print(prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(pass), nil
}

// ensureUnlocked prompts for the passphrase and unlocks the engine.
func ensureUnlocked() error {
	if eng.IsUnlocked() {
		return nil
	}

	first, err := eng.IsFirstTimeUser()
	if err != nil {
		return err
	}
	if first {
		return errors.New("vault not initialized, run 'lockbox init' first")
	}

	pass, err := readPassphrase("Enter passphrase: ")
	if err != nil {
		return err
	}

	switch err := eng.Unlock(pass); {
	case err == nil:
		return nil
	case errors.Is(err, credstore.ErrLockedOut):
		return fmt.Errorf("locked out: try again in %v",
			eng.RemainingLockout().Round(time.Second))
	case errors.Is(err, engine.ErrInvalidPassphrase):
		if hint, herr := eng.Hint(); herr == nil && hint != "" {
			return fmt.Errorf("invalid passphrase (hint: %s)", hint)
		}
		return errors.New("invalid passphrase")
	default:
		return err
	}
}
