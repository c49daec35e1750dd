package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var auditLimit int

func init() {
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
}

// auditCmd is the parent command for audit operations.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

// auditListCmd lists audit log entries.
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		events, err := eng.AuditLog().List(auditLimit)
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}

		for _, e := range events {
			line := fmt.Sprintf("%s %s %s", e.Timestamp, e.Operation, e.Result)
			if e.Item != "" {
				line += fmt.Sprintf(" item:%s", e.Item)
			}
			fmt.Println(line)
		}
		fmt.Printf("\nTotal: %d events\n", len(events))
		return nil
	},
}

// auditVerifyCmd verifies the HMAC chain over the whole log.
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		result, err := eng.AuditLog().Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		if result.Intact {
			fmt.Printf("%s Audit log verified: %d records, chain intact\n",
				color.GreenString("✓"), result.Events)
			return nil
		}
		fmt.Printf("%s Audit log verification FAILED at sequence %d\n",
			color.RedString("✗"), result.FirstBreak)
		return fmt.Errorf("audit log integrity check failed")
	},
}
