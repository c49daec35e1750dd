package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quietbay/lockbox/pkg/staging"
)

var sealStripMetadata bool

func init() {
	sealCmd.Flags().BoolVar(&sealStripMetadata, "strip-metadata", false,
		"Strip EXIF/IPTC metadata from JPEG images before sealing")
}

// sealCmd stages the given files and seals them in one batch. The plaintext
// holding copies never outlive the process.
var sealCmd = &cobra.Command{
	Use:   "seal [files...]",
	Short: "Encrypts files into the vault",
	Long: `Copies the given files into the holding area, encrypts each one into a
sealed artifact, then deletes both the holding copy and the original.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		n, err := eng.Stage(args)
		if err != nil {
			return fmt.Errorf("failed to stage files: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("nothing staged (files missing or already staged)")
		}
		if n < len(args) {
			fmt.Printf("%s %d of %d files staged; the rest were skipped\n",
				color.YellowString("!"), n, len(args))
		}

		items := eng.StagedItems()
		if sealStripMetadata {
			for _, it := range items {
				if it.Category == staging.CategoryImage {
					eng.SetStripMetadata(it.ID, true)
				}
			}
		}

		done, err := eng.CommitBatch()
		if err != nil {
			return fmt.Errorf("failed to commit batch: %w", err)
		}
		<-done

		// Anything still staged after the batch failed to seal.
		sealed := n
		for _, it := range eng.StagedItems() {
			if it.Status == staging.StatusError {
				sealed--
				fmt.Printf("%s %s: %s\n", color.RedString("✗"), it.DisplayName, it.ErrorDetail)
			}
		}
		fmt.Printf("%s Sealed %d file(s)\n", color.GreenString("✓"), sealed)

		for _, residual := range eng.ResidualOriginals() {
			fmt.Printf("%s Plaintext copy could not be deleted: %s\n",
				color.YellowString("!"), residual)
		}
		return nil
	},
}
