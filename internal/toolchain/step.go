// Package toolchain runs the external build steps the pipeline depends on:
// the upstream frontend compiler and the stylesheet build.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/euforicio/sitemd/internal/fsstore"
)

// DefaultTimeout bounds a step that does not set its own timeout.
const DefaultTimeout = 2 * time.Minute

const maxOutputInError = 4 << 10

var (
	// ErrTimeout is returned when a step exceeds its timeout.
	ErrTimeout = errors.New("step timed out")
	// ErrStepFailed is returned when a step exits unsuccessfully.
	ErrStepFailed = errors.New("step failed")
)

// Step is an external command.
type Step struct {
	Name    string
	Dir     string
	Command []string
	Env     []string
	Timeout time.Duration
}

// Result describes a completed step.
type Result struct {
	Output   string
	Duration time.Duration
}

// ParseCommand splits a shell-style command line into arguments.
func ParseCommand(line string) ([]string, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	args, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", line, err)
	}
	return args, nil
}

// Enabled reports whether the step has a command to run.
func (s Step) Enabled() bool {
	return len(s.Command) > 0
}

// Run executes the step and captures its combined output. A step without a
// command succeeds immediately.
func (s Step) Run(ctx context.Context) (Result, error) {
	if !s.Enabled() {
		return Result{}, nil
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...) //nolint:gosec // commands come from local configuration
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	output, err := cmd.CombinedOutput()
	res := Result{Output: string(output), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%w: %s after %s", ErrTimeout, s.name(), timeout)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", s.name(), ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, fmt.Errorf("%w: %s exited with code %d: %s",
			ErrStepFailed, s.name(), exitErr.ExitCode(), truncate(strings.TrimSpace(res.Output)))
	}
	return res, fmt.Errorf("%w: %s: %w", ErrStepFailed, s.name(), err)
}

func (s Step) name() string {
	if s.Name != "" {
		return s.Name
	}
	if len(s.Command) > 0 {
		return s.Command[0]
	}
	return "step"
}

func truncate(out string) string {
	if len(out) <= maxOutputInError {
		return out
	}
	return out[len(out)-maxOutputInError:]
}

// NewestModTime returns the latest modification time among files under dir
// whose extension is in exts (any file when exts is empty). A missing dir
// yields the zero time.
func NewestModTime(files fsstore.FileStore, dir string, exts []string) (time.Time, error) {
	if _, err := files.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	paths, err := files.List(dir, func(rel string) bool { return hasExt(rel, exts) })
	if err != nil {
		return time.Time{}, err
	}
	var newest time.Time
	for _, path := range paths {
		info, err := files.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, nil
}

// UpToDate reports whether the newest file under output is at least as recent
// as the newest source file. An empty output is never up to date.
func UpToDate(files fsstore.FileStore, sources []string, exts []string, output string) (bool, error) {
	built, err := NewestModTime(files, output, nil)
	if err != nil {
		return false, err
	}
	if built.IsZero() {
		return false, nil
	}
	for _, dir := range sources {
		newest, err := NewestModTime(files, dir, exts)
		if err != nil {
			return false, err
		}
		if newest.After(built) {
			return false, nil
		}
	}
	return true, nil
}

func hasExt(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	lower := strings.ToLower(path)
	for _, ext := range exts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
