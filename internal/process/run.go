package process

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Runner executes one-shot commands to completion.
type Runner interface {
	Run(ctx context.Context, spec Spec) error
}

// ExecRunner runs commands with the wrapper's standard streams attached.
type ExecRunner struct {
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Run builds spec's command, runs it in spec.WorkDir and waits for it.
// A non-zero exit is returned as an error carrying the exit code.
func (r ExecRunner) Run(ctx context.Context, spec Spec) error {
	cmd, err := spec.BuildCommand(ctx)
	if err != nil {
		return err
	}
	cmd.Dir = spec.WorkDir
	env := append(append([]string(nil), r.Env...), spec.Env...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdin = nil
	cmd.Stdout = orDefault(r.Stdout, os.Stdout)
	cmd.Stderr = orDefault(r.Stderr, os.Stderr)
	cmd.WaitDelay = waitDelay
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", spec.Command, err)
	}
	return nil
}

func orDefault(w io.Writer, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
