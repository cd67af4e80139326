//go:build !windows

package process

import (
	"context"
	"os/exec"
)

// shellCommand returns a /bin/sh invocation of script. The absolute path
// avoids a PATH dependency when Env is overridden.
func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}
