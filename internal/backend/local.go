package backend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"loom/internal/logging"
)

// Default limits for local command execution.
const (
	defaultCommandTimeout = 2 * time.Minute
	maxOutputBytes        = 1 << 20 // 1 MiB of combined output per command
)

// Local executes files and commands directly on the host, scoped to a root
// directory. It is the simplest backend with no sandboxing.
type Local struct {
	id   string
	root string

	defaultTimeout time.Duration
}

// NewLocal creates a local backend rooted at dir. The identity embeds the
// resolved root so two roots on the same host never collide.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("backend root unavailable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backend root is not a directory: %s", abs)
	}

	logging.BackendDebug("Local backend created: root=%s", abs)
	return &Local{
		id:             "local:" + abs,
		root:           abs,
		defaultTimeout: defaultCommandTimeout,
	}, nil
}

// SetDefaultTimeout overrides the default command timeout.
func (l *Local) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		l.defaultTimeout = d
	}
}

// ID returns the backend identity.
func (l *Local) ID() string {
	return l.id
}

// Root returns the resolved root directory.
func (l *Local) Root() string {
	return l.root
}

// resolve maps a backend-relative path onto the host filesystem and rejects
// anything that escapes the root.
func (l *Local) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscapesRoot)
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(l.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	if candidate != l.root && !strings.HasPrefix(candidate, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, path)
	}
	return candidate, nil
}

// ReadFile returns the content of a file under the root.
func (l *Local) ReadFile(path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	logging.BackendDebug("ReadFile %s (%d bytes)", path, len(data))
	return data, nil
}

// WriteFile writes content to a file, creating parent directories.
func (l *Local) WriteFile(path string, content []byte) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	if err := os.WriteFile(full, content, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	logging.BackendDebug("WriteFile %s (%d bytes)", path, len(content))
	return nil
}

// Remove deletes a file under the root. Removing a missing file is an error
// so revert accounting stays accurate.
func (l *Local) Remove(path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("remove %s: %w", path, err)
	}

	logging.BackendDebug("Remove %s", path)
	return nil
}

// Exists reports whether a path exists under the root.
func (l *Local) Exists(path string) (bool, error) {
	full, err := l.resolve(path)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

// ListDir returns the entries of a directory under the root.
func (l *Local) ListDir(path string) ([]DirEntry, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	result := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		entry := DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			entry.Size = info.Size()
		}
		result = append(result, entry)
	}
	return result, nil
}

// RunCommand executes a shell command under the root, streaming combined
// output line by line. Context cancellation kills the process.
func (l *Local) RunCommand(ctx context.Context, cmd Command, onOutput func(chunk string)) (*CommandResult, error) {
	timer := logging.StartTimer(logging.CategoryBackend, "RunCommand")
	defer timer.Stop()

	workDir := l.root
	if cmd.WorkingDir != "" {
		resolved, err := l.resolve(cmd.WorkingDir)
		if err != nil {
			return nil, err
		}
		workDir = resolved
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = l.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.BackendDebug("RunCommand: %q (dir=%s timeout=%s)", cmd.Command, workDir, timeout)

	proc := exec.CommandContext(runCtx, "/bin/sh", "-c", cmd.Command)
	proc.Dir = workDir
	if len(cmd.Environment) > 0 {
		proc.Env = append(os.Environ(), cmd.Environment...)
	}

	// Run the shell in its own process group and kill the whole group on
	// cancellation. Killing only the shell would leave grandchildren
	// holding the output pipe open, blocking the scan loop until they
	// exit on their own.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	proc.Cancel = func() error {
		if proc.Process != nil {
			_ = syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
		}
		return os.ErrProcessDone
	}
	proc.WaitDelay = 5 * time.Second

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	proc.Stderr = proc.Stdout

	started := time.Now()
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	var output strings.Builder
	truncated := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		if output.Len() < maxOutputBytes {
			if output.Len()+len(line) > maxOutputBytes {
				line = line[:maxOutputBytes-output.Len()]
				truncated = true
			}
			output.WriteString(line)
			if onOutput != nil {
				onOutput(line)
			}
		} else {
			truncated = true
		}
	}

	waitErr := proc.Wait()
	result := &CommandResult{
		ExitCode:  0,
		Output:    output.String(),
		Truncated: truncated,
		Duration:  time.Since(started),
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}
	if runCtx.Err() != nil {
		result.Killed = true
		result.ExitCode = -1
	}

	logging.BackendDebug("RunCommand done: exit=%d killed=%v bytes=%d", result.ExitCode, result.Killed, output.Len())
	return result, nil
}
