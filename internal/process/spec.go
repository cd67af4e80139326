package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loykin/botkeeper/internal/logger"
)

// Spec describes a process launched by botkeeper: the bot itself, the
// external process manager, or a one-shot bootstrap command.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`   // command line (shell syntax allowed)
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"` // optional working dir
	Env     []string `json:"env" mapstructure:"env"`           // optional extra env (K=V)
	PIDFile string   `json:"pid_file" mapstructure:"pid_file"` // optional pidfile path
	// Log copies stdout/stderr into rotating files in addition to the console.
	Log logger.Config `json:"log" mapstructure:"log"`
}

// Validate checks the minimal fields needed to launch a process.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("process %s: command is required", s.Name)
	}
	return nil
}

// shellMeta are characters that only a shell can interpret. Quotes are not
// listed: quoted arguments are split by shellwords without a shell.
const shellMeta = "|&;<>*?`$(){}[]~\n"

// BuildCommand constructs an *exec.Cmd for s.Command.
// It honours an explicit "sh -c <script>" prefix without double-wrapping,
// hands anything with shell metacharacters to /bin/sh -c, and otherwise
// splits the line with shellwords so quoted arguments survive.
func (s *Spec) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return nil, fmt.Errorf("process %s: empty command", s.Name)
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(ctx, afterC), nil
	}
	if strings.ContainsAny(cmdStr, shellMeta) {
		return shellCommand(ctx, cmdStr), nil
	}
	args, err := shellwords.Parse(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("process %s: parse command: %w", s.Name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("process %s: empty command", s.Name)
	}
	// #nosec G204 -- commands come from operator configuration
	return exec.CommandContext(ctx, args[0], args[1:]...), nil
}

// parseExplicitShell detects "sh -c <ARG>" or "/bin/sh -c <ARG>" at the start of
// cmdStr and returns (shellPath, afterCArg, true). One pair of wrapping quotes
// around ARG is stripped so the shell sees the actual script.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
