//go:build windows

package process

import (
	"context"
	"os/exec"
)

// shellCommand returns a cmd.exe invocation of script.
func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/C", script)
}
