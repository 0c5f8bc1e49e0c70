package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// History flags
var (
	historyLimit int
	historySince string
)

var errJournalDisabled = errors.New("journal is disabled in config")

// historyCmd lists journal events
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List lock and unlock events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if s.journal == nil {
			return errJournalDisabled
		}

		// 1. Parse since duration
		var since time.Time
		if historySince != "" {
			duration, err := parseDuration(historySince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}

		// 2. Get events
		events, err := s.journal.ListEvents(historyLimit, since)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintln(out, "No events found")
			return nil
		}

		// 3. Display events
		for _, event := range events {
			// Format: TIMESTAMP OPERATION RESULT FOLDER
			line := fmt.Sprintf("%s %s %s %s", event.Timestamp, event.Operation, event.Result, event.Folder)
			if event.Error != nil {
				line += fmt.Sprintf(" error:%s", event.Error.Code)
			}
			if reason := event.Context["reason"]; reason != "" {
				line += fmt.Sprintf(" reason:%s", reason)
			}
			fmt.Fprintln(out, line)
		}

		fmt.Fprintf(out, "\nTotal: %d events\n", len(events))
		return nil
	},
}

// historyVerifyCmd verifies journal integrity
var historyVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the journal HMAC chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if s.journal == nil {
			return errJournalDisabled
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Verifying journal integrity...")

		result, err := s.journal.Verify()
		if err != nil {
			return fmt.Errorf("failed to verify journal: %w", err)
		}

		if !result.Valid {
			fmt.Fprintf(out, "✗ Journal verification FAILED\n")
			fmt.Fprintf(out, "  Records total: %d\n", result.RecordsTotal)
			fmt.Fprintln(out, "  Errors:")
			for _, e := range result.Errors {
				fmt.Fprintf(out, "    - %s\n", e)
			}
			return errors.New("journal integrity check failed")
		}
		fmt.Fprintf(out, "✓ Journal verified: %d records, chain intact\n", result.RecordsTotal)

		if verbose {
			jsonResult, _ := json.Marshal(result)
			fmt.Fprintf(out, "\nJSON: %s\n", string(jsonResult))
		}
		return nil
	},
}

// parseDuration parses a duration with day/week/month/year suffixes in
// addition to the units time.ParseDuration accepts.
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	switch unit {
	case 'd', 'w', 'y':
		if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
			return 0, fmt.Errorf("invalid duration value: %s", valueStr)
		}
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}
