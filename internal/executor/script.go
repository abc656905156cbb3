package executor

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"

	"jobsched/internal/shared"
)

// ScriptRunner runs the body of a SCRIPT job to completion.
type ScriptRunner interface {
	Run(ctx context.Context, script string) error
}

// ShellRunner writes the script to a private temp file and runs it with Shell.
// The file is removed whatever the outcome. Output is logged at debug level.
type ShellRunner struct {
	Shell  string
	Dir    string
	Logger *slog.Logger
}

func (r ShellRunner) Run(ctx context.Context, script string) error {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	shell := r.Shell
	if shell == "" {
		shell = "bash"
	}

	path, err := r.materialize(script)
	if path != "" {
		defer func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				log.Warn("failed to remove script file", "path", path, "error", err)
			}
		}()
	}
	if err != nil {
		return shared.MarkKind(shared.Wrap(err, "prepare script"), shared.KindExecution)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	log.Debug("script finished", "shell", shell, "stdout", stdout.String(), "stderr", stderr.String())

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return shared.Newf(shared.KindExecution, "script exited with code %d", exitErr.ExitCode())
		}
		return shared.MarkKind(shared.Wrap(err, "run script"), shared.KindExecution)
	}
	return nil
}

// materialize returns the file path even on a late failure so the caller can clean up.
func (r ShellRunner) materialize(script string) (string, error) {
	f, err := os.CreateTemp(r.Dir, "jobsched-*.sh")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.WriteString(script); err != nil {
		_ = f.Close()
		return path, err
	}
	if err := f.Close(); err != nil {
		return path, err
	}
	return path, os.Chmod(path, 0o700)
}
