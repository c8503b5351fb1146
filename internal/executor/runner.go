package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/spboyer/agentsphere/internal/models"
	"github.com/spboyer/agentsphere/internal/termclean"
	"golang.org/x/term"
)

// Default pseudo-terminal size when the executor has no controlling terminal.
const (
	DefaultColumns = 160
	DefaultRows    = 48
)

// Runner executes commands on behalf of the server. The working directory
// persists across commands so that cd behaves like an interactive shell.
type Runner struct {
	logger *slog.Logger
	shell  string

	mu  sync.Mutex
	dir string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithShell sets the shell used for command parts. Defaults to sh.
func WithShell(path string) RunnerOption {
	return func(r *Runner) { r.shell = path }
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner starts in dir, or the process working directory when dir is
// empty.
func NewRunner(dir string, opts ...RunnerOption) (*Runner, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	r := &Runner{logger: slog.Default(), shell: "sh", dir: abs}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Dir returns the current working directory.
func (r *Runner) Dir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

// Run executes a command line. Parts joined by && run in order and the
// first non-zero status stops the line. The content echoes each part
// followed by its output.
func (r *Runner) Run(ctx context.Context, line string) models.CommandResult {
	line = StripQuotes(strings.TrimSpace(line))
	var (
		out    []string
		status int
	)
	for _, part := range SplitAnd(line) {
		out = append(out, part)

		var (
			text string
			err  error
		)
		status, text, err = r.runPart(ctx, part)
		if err != nil {
			r.logger.Warn("command failed to run", "command", part, "error", err)
			return models.CommandResult{StatusCode: 1, Content: fmt.Sprintf("Error executing command: %v", err)}
		}
		out = append(out, text)
		if status != 0 {
			break
		}
	}
	return models.CommandResult{StatusCode: status, Content: strings.Join(out, "\n")}
}

func (r *Runner) runPart(ctx context.Context, part string) (int, string, error) {
	words := fields(part)
	if len(words) == 0 {
		return 0, "", nil
	}

	switch words[0] {
	case "cd":
		target := ""
		if len(words) > 1 {
			target = words[1]
		}
		if err := r.chdir(target); err != nil {
			return 1, err.Error(), nil
		}
		return 0, "currentDir: " + r.Dir(), nil
	case "pwd":
		return 0, "currentDir: " + r.Dir(), nil
	}

	// scripts written by the model are often invoked as ./name before they exist
	if strings.HasPrefix(words[0], "./") {
		if _, err := os.Stat(filepath.Join(r.Dir(), words[0])); errors.Is(err, os.ErrNotExist) {
			part = strings.TrimPrefix(part, "./")
		}
	}
	return r.shellPTY(ctx, part)
}

func (r *Runner) chdir(target string) error {
	home, _ := os.UserHomeDir()
	switch {
	case target == "" || target == "~":
		target = home
	case strings.HasPrefix(target, "~/"):
		target = filepath.Join(home, target[2:])
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.dir, target)
	}
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("cd: %s: no such directory", target)
	}
	if !info.IsDir() {
		return fmt.Errorf("cd: %s: not a directory", target)
	}
	r.dir = filepath.Clean(target)
	return nil
}

// shellPTY runs part under a pseudo-terminal, so programs behave as if
// interactive, and returns the normalized screen text.
func (r *Runner) shellPTY(ctx context.Context, part string) (int, string, error) {
	cmd := exec.CommandContext(ctx, r.shell, "-c", part)
	cmd.Dir = r.Dir()

	ptmx, err := pty.StartWithSize(cmd, windowSize())
	if err != nil {
		return 0, "", fmt.Errorf("starting %q: %w", part, err)
	}
	defer ptmx.Close()

	var buf bytes.Buffer
	// reading fails with EIO once the child side is closed
	_, _ = io.Copy(&buf, ptmx)

	status := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return 0, "", fmt.Errorf("waiting for %q: %w", part, err)
		}
		status = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		return 0, "", ctx.Err()
	}
	return status, termclean.Clean(buf.String()), nil
}

func windowSize() *pty.Winsize {
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		if cols, rows, err := term.GetSize(fd); err == nil && cols > 0 && rows > 0 {
			return &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
		}
	}
	return &pty.Winsize{Cols: DefaultColumns, Rows: DefaultRows}
}

// RunFile saves data as received_<name> in the working directory, makes it
// executable and runs it.
func (r *Runner) RunFile(ctx context.Context, name string, data []byte) models.CommandResult {
	path := filepath.Join(r.Dir(), "received_"+filepath.Base(name))
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return models.CommandResult{StatusCode: 1, Content: fmt.Sprintf("Error saving file: %v", err)}
	}
	// WriteFile leaves the mode of an existing file untouched
	if err := os.Chmod(path, 0o755); err != nil {
		return models.CommandResult{StatusCode: 1, Content: fmt.Sprintf("Error saving file: %v", err)}
	}
	r.logger.Info("received file", "path", path, "bytes", len(data))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = r.Dir()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return models.CommandResult{StatusCode: 1, Content: fmt.Sprintf("Error executing file: %v", err)}
		}
		code = exitErr.ExitCode()
	}
	return models.CommandResult{
		StatusCode: code,
		Content:    fmt.Sprintf("Process Output:\nReturn Code: %d\nError: %s\nOutput: %s", code, stderr.String(), stdout.String()),
	}
}
