package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loom/internal/events"
	"loom/internal/session"
	"loom/internal/types"
)

var (
	runSessionID  string
	autoApprove   bool
	autoKeep      bool
	autoRevert    bool
	showReplayLog bool
)

// runCmd executes a single task against the workspace
var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run one task against the workspace",
	Long: `Runs a task through the agent loop, streaming events to stdout.

File mutations are snapshotted before they happen. When the task finishes
with changes pending you are asked to keep or revert them; --keep/--revert
decide without asking. Plans proposed by the agent await your approval
unless --approve is set.

Examples:
  loom run "add a --json flag to the export command"
  loom run --session fix-parser "continue where we left off"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "Session id (default: the default session)")
	runCmd.Flags().BoolVar(&autoApprove, "approve", false, "Approve proposed plans without asking")
	runCmd.Flags().BoolVar(&autoKeep, "keep", false, "Keep changes without asking")
	runCmd.Flags().BoolVar(&autoRevert, "revert", false, "Revert changes without asking")
	runCmd.Flags().BoolVar(&showReplayLog, "replay", false, "Print the session's replayed history before the run")
}

func runTask(cmd *cobra.Command, args []string) error {
	if autoKeep && autoRevert {
		return fmt.Errorf("--keep and --revert are mutually exclusive")
	}

	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sess, sub, err := a.coord.Attach(runSessionID)
	if err != nil {
		return err
	}
	defer sub.Close()

	// First interrupt cancels the run cooperatively; a second one gives up
	// on the process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ncancelling...")
		a.coord.Cancel(sess.ID)
		<-sigCh
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renderEvents(a.coord, sess.ID, sub)
	}()

	task := strings.Join(args, " ")
	logger.Info("Running task", zap.String("session", sess.ID), zap.Int("task_len", len(task)))
	runErr := a.coord.Task(ctx, sess.ID, task)

	sub.Close()
	wg.Wait()

	if runErr != nil {
		return runErr
	}

	current, err := a.coord.Session(sess.ID)
	if err != nil {
		return err
	}
	if current.Status == types.StatusAwaitingKeepRevert {
		return resolveKeepRevert(a.coord, sess.ID)
	}
	return nil
}

// renderEvents prints the session's event stream until the subscription
// closes. Plan approval is answered inline so the parked run can resume.
func renderEvents(coord *session.Coordinator, sessionID string, sub *events.Subscription) {
	for e := range sub.Events() {
		if e.Replay && !showReplayLog {
			continue
		}
		renderEvent(e)

		if e.Kind == types.EventPlan && !e.Replay {
			answerPlan(coord, sessionID)
		}
	}
}

func renderEvent(e types.Event) {
	prefix := ""
	if e.Replay {
		prefix = "(replay) "
	}

	switch e.Kind {
	case types.EventText:
		fmt.Printf("%s%s\n", prefix, e.Text)
	case types.EventThinking:
		// Thinking stays in the log; the terminal shows results only.
	case types.EventToolUse:
		fmt.Printf("%s→ %s %s\n", prefix, e.ToolName, e.ToolInput)
	case types.EventToolResult:
		if !e.Success {
			fmt.Printf("%s  ✗ %s\n", prefix, firstLine(e.Text))
		}
	case types.EventCommandOutput:
		fmt.Print(e.Text)
	case types.EventDiff:
		fmt.Printf("%s--- %s\n%s\n", prefix, e.Path, e.Diff)
	case types.EventPlan:
		fmt.Printf("%sProposed plan:\n", prefix)
		for i, step := range e.Steps {
			marker := " "
			if i < len(e.StepStatus) && e.StepStatus[i] == string(types.StepDone) {
				marker = "x"
			}
			fmt.Printf("  [%s] %d. %s\n", marker, i+1, step)
		}
	case types.EventCheckpoint:
		fmt.Printf("%s✓ checkpoint: %s\n", prefix, e.Label)
	case types.EventCompaction:
		fmt.Printf("%s(history compacted: %s)\n", prefix, e.Text)
	case types.EventDone:
		fmt.Printf("%sDone (tokens in=%d out=%d)\n", prefix, e.InputTokens, e.OutputTokens)
	case types.EventError:
		fmt.Printf("%sError: %s\n", prefix, e.Text)
	case types.EventCancelled:
		fmt.Printf("%sCancelled\n", prefix)
	case types.EventResumed:
		fmt.Printf("%s%s\n", prefix, e.Text)
	case types.EventKeep:
		fmt.Printf("%sChanges kept\n", prefix)
	case types.EventRevert:
		fmt.Printf("%sChanges reverted\n", prefix)
		for _, p := range e.FailedPaths {
			fmt.Printf("  failed to restore: %s\n", p)
		}
	}
}

func answerPlan(coord *session.Coordinator, sessionID string) {
	if autoApprove {
		if err := coord.ApprovePlan(sessionID); err == nil {
			fmt.Println("Plan auto-approved.")
		}
		return
	}

	if promptYesNo("Approve this plan? [y/N] ") {
		coord.ApprovePlan(sessionID)
	} else {
		coord.RejectPlan(sessionID)
	}
}

func resolveKeepRevert(coord *session.Coordinator, sessionID string) error {
	keep := autoKeep
	if !autoKeep && !autoRevert {
		keep = promptYesNo("Keep these changes? [y/N] ")
	}

	if keep {
		if err := coord.Keep(sessionID); err != nil {
			return err
		}
		fmt.Println("Changes kept.")
		return nil
	}

	failed, err := coord.Revert(sessionID)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		fmt.Printf("Reverted with %d paths that could not be restored:\n", len(failed))
		for _, p := range failed {
			fmt.Printf("  %s\n", p)
		}
		return nil
	}
	fmt.Println("Changes reverted.")
	return nil
}

func promptYesNo(label string) bool {
	fmt.Print(label)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
