package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quietbay/lockbox/pkg/worker"
)

var revealOutput string

func init() {
	revealCmd.Flags().StringVarP(&revealOutput, "output", "o", "",
		"Write the decrypted file here instead of stdout")
}

// lsCmd lists sealed artifacts. Listing is metadata only, so no passphrase
// is required.
var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Lists sealed artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		artifacts, err := eng.Artifacts()
		if err != nil {
			return err
		}
		if len(artifacts) == 0 {
			fmt.Println("Vault is empty")
			return nil
		}
		for _, a := range artifacts {
			fmt.Printf("%s  %8d  %s\n",
				a.ModTime.Format("2006-01-02 15:04"), a.SizeBytes, a.Name)
		}
		return nil
	},
}

// revealCmd decrypts one artifact for viewing.
var revealCmd = &cobra.Command{
	Use:   "reveal [name]",
	Short: "Decrypts a sealed artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		ch, err := eng.Reveal(eng.ArtifactPath(args[0]))
		if err != nil {
			return err
		}

		var res worker.RevealResult
		select {
		case res = <-ch:
		case <-time.After(time.Minute):
			return fmt.Errorf("reveal timed out")
		}

		switch res.Outcome {
		case worker.RevealOK:
			// fallthrough to output below
		case worker.RevealNotFound:
			return fmt.Errorf("no artifact named %q", args[0])
		default:
			return fmt.Errorf("decryption failed: artifact corrupt or passphrase changed")
		}

		if revealOutput == "" {
			os.Stdout.Write(res.Bytes)
			return nil
		}
		if err := os.WriteFile(revealOutput, res.Bytes, 0600); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		fmt.Printf("%s Decrypted to %s\n", color.GreenString("✓"), revealOutput)
		return nil
	},
}

// rmCmd securely deletes a sealed artifact.
var rmCmd = &cobra.Command{
	Use:   "rm [name]",
	Short: "Securely deletes a sealed artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		path := eng.ArtifactPath(args[0])
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("no artifact named %q", args[0])
		}
		if err := eng.DeleteArtifact(path); err != nil {
			return err
		}
		fmt.Printf("%s Deleted %s\n", color.GreenString("✓"), args[0])
		return nil
	},
}
