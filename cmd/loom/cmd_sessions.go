package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/types"
)

// =============================================================================
// SESSION MANAGEMENT COMMANDS
// =============================================================================

// sessionsCmd manages persisted sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage loom sessions",
	Long: `List and manage sessions persisted in this workspace.

Subcommands:
  list    - List all sessions
  delete  - Delete a session and its event log`,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	RunE:  runSessionsList,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and all its persisted state",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	sessions, err := a.coord.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-20s %-22s %8s %10s  %s\n", "ID", "STATUS", "TURNS", "TOKENS", "UPDATED")
	fmt.Println(strings.Repeat("─", 78))
	for _, s := range sessions {
		fmt.Printf("%-20s %-22s %8d %10d  %s\n",
			s.ID, s.Status, len(s.History),
			s.Usage.InputTokens+s.Usage.OutputTokens,
			s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("Total: %d sessions\n", len(sessions))
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	id := args[0]
	if err := a.coord.Delete(id); err != nil {
		if errors.Is(err, types.ErrNoSuchSession) {
			return fmt.Errorf("session %q not found, use 'loom sessions list'", id)
		}
		return err
	}
	fmt.Printf("Deleted session %s\n", id)
	return nil
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd)
}
