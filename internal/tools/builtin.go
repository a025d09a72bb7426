package tools

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/backend"
	"loom/internal/logging"
)

// PlanToolName is intercepted by the orchestrator rather than executed:
// a plan invocation parks the run until the user approves or rejects it.
const PlanToolName = "plan"

// DefaultRegistry builds the builtin tool set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(ReadFileTool())
	r.MustRegister(WriteFileTool())
	r.MustRegister(EditFileTool())
	r.MustRegister(DeleteFileTool())
	r.MustRegister(ListDirTool())
	r.MustRegister(RunCommandTool())
	r.MustRegister(PlanTool())
	return r
}

// ReadFileTool reads file contents through the backend.
func ReadFileTool() *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read the contents of a file",
		Execute:     executeReadFile,
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path":       {Type: "string", Description: "The file path to read"},
				"start_line": {Type: "integer", Description: "Starting line number (1-indexed, optional)"},
				"end_line":   {Type: "integer", Description: "Ending line number (inclusive, optional)"},
			},
		},
	}
}

func executeReadFile(ctx context.Context, ec *ExecContext, args map[string]any) (string, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return "", err
	}

	logging.ToolsDebug("read_file: path=%s", path)

	content, err := ec.Backend.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	result := string(content)

	startLine := OptionalInt(args, "start_line", 0)
	endLine := OptionalInt(args, "end_line", 0)
	if startLine > 0 || endLine > 0 {
		lines := strings.Split(result, "\n")
		if startLine < 1 {
			startLine = 1
		}
		if endLine < startLine || endLine > len(lines) {
			endLine = len(lines)
		}
		if startLine > len(lines) {
			return "", nil
		}
		result = strings.Join(lines[startLine-1:endLine], "\n")
	}

	return result, nil
}

// WriteFileTool writes content to a file, creating it if needed.
func WriteFileTool() *Tool {
	return &Tool{
		Name:        "write_file",
		Description: "Write content to a file, creating it if it doesn't exist",
		Mutates:     true,
		Execute:     executeWriteFile,
		Schema: Schema{
			Required: []string{"path", "content"},
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "The file path to write"},
				"content": {Type: "string", Description: "The full content to write"},
			},
		},
	}
}

func executeWriteFile(ctx context.Context, ec *ExecContext, args map[string]any) (string, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, err := StringArg(args, "content")
	if err != nil {
		return "", err
	}

	logging.ToolsDebug("write_file: path=%s bytes=%d", path, len(content))

	if err := ec.Backend.WriteFile(path, []byte(content)); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

// EditFileTool replaces an exact string within a file.
func EditFileTool() *Tool {
	return &Tool{
		Name:        "edit_file",
		Description: "Replace an exact string in a file with a new string. The old string must occur exactly once.",
		Mutates:     true,
		Execute:     executeEditFile,
		Schema: Schema{
			Required: []string{"path", "old_string", "new_string"},
			Properties: map[string]Property{
				"path":       {Type: "string", Description: "The file path to edit"},
				"old_string": {Type: "string", Description: "The exact text to replace"},
				"new_string": {Type: "string", Description: "The replacement text"},
			},
		},
	}
}

func executeEditFile(ctx context.Context, ec *ExecContext, args map[string]any) (string, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return "", err
	}
	oldStr, err := StringArg(args, "old_string")
	if err != nil {
		return "", err
	}
	newStr, err := StringArg(args, "new_string")
	if err != nil {
		return "", err
	}

	content, err := ec.Backend.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	text := string(content)
	count := strings.Count(text, oldStr)
	if count == 0 {
		return "", fmt.Errorf("old_string not found in %s", path)
	}
	if count > 1 {
		return "", fmt.Errorf("old_string occurs %d times in %s, must be unique", count, path)
	}

	updated := strings.Replace(text, oldStr, newStr, 1)
	if err := ec.Backend.WriteFile(path, []byte(updated)); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	logging.ToolsDebug("edit_file: path=%s old_len=%d new_len=%d", path, len(oldStr), len(newStr))
	return fmt.Sprintf("edited %s", path), nil
}

// DeleteFileTool removes a file.
func DeleteFileTool() *Tool {
	return &Tool{
		Name:        "delete_file",
		Description: "Delete a file",
		Mutates:     true,
		Execute:     executeDeleteFile,
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path": {Type: "string", Description: "The file path to delete"},
			},
		},
	}
}

func executeDeleteFile(ctx context.Context, ec *ExecContext, args map[string]any) (string, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return "", err
	}

	if err := ec.Backend.Remove(path); err != nil {
		return "", fmt.Errorf("failed to delete file: %w", err)
	}
	return fmt.Sprintf("deleted %s", path), nil
}

// ListDirTool lists a directory.
func ListDirTool() *Tool {
	return &Tool{
		Name:        "list_dir",
		Description: "List the entries of a directory",
		Execute:     executeListDir,
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path": {Type: "string", Description: "The directory path to list"},
			},
		},
	}
}

func executeListDir(ctx context.Context, ec *ExecContext, args map[string]any) (string, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return "", err
	}

	entries, err := ec.Backend.ListDir(path)
	if err != nil {
		return "", fmt.Errorf("failed to list directory: %w", err)
	}

	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&sb, "%s/\n", e.Name)
		} else {
			fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
		}
	}
	return sb.String(), nil
}

// RunCommandTool executes a shell command through the backend.
func RunCommandTool() *Tool {
	return &Tool{
		Name:        "run_command",
		Description: "Run a shell command in the workspace and return its output and exit code",
		Execute:     executeRunCommand,
		Schema: Schema{
			Required: []string{"command"},
			Properties: map[string]Property{
				"command":     {Type: "string", Description: "The shell command to run"},
				"working_dir": {Type: "string", Description: "Working directory relative to the workspace root (optional)"},
			},
		},
	}
}

func executeRunCommand(ctx context.Context, ec *ExecContext, args map[string]any) (string, error) {
	command, err := StringArg(args, "command")
	if err != nil {
		return "", err
	}

	result, err := ec.Backend.RunCommand(ctx, backend.Command{
		Command:    command,
		WorkingDir: OptionalString(args, "working_dir", ""),
		Timeout:    ec.CommandTimeout,
	}, ec.OnOutput)
	if err != nil {
		return "", fmt.Errorf("failed to run command: %w", err)
	}

	output := result.Output
	if result.Truncated {
		output += "\n[output truncated]"
	}
	if result.Killed {
		return output, fmt.Errorf("command killed before completion")
	}
	if result.ExitCode != 0 {
		return output, fmt.Errorf("command exited with code %d", result.ExitCode)
	}
	return output, nil
}

// PlanTool lets the reasoning service propose ordered steps for approval.
// The orchestrator intercepts invocations by name; Execute exists only so
// the definition validates.
func PlanTool() *Tool {
	return &Tool{
		Name:        PlanToolName,
		Description: "Propose an ordered plan of steps for the user to approve before making changes",
		Execute: func(ctx context.Context, ec *ExecContext, args map[string]any) (string, error) {
			return "plan recorded", nil
		},
		Schema: Schema{
			Required: []string{"steps"},
			Properties: map[string]Property{
				"steps": {Type: "array", Description: "Ordered list of step descriptions"},
			},
		},
	}
}
