package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the child exits
// (grandchildren may hold the pipe open).
const waitDelay = 5 * time.Second

// Process runs one instance of a Spec with the operator's terminal attached.
// Start and Wait are expected to be driven by a single owner; Stop and
// Snapshot are safe from any goroutine.
type Process struct {
	mu        sync.Mutex
	spec      Spec
	cmd       *exec.Cmd
	status    Status
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{} // closed when Wait returns
}

func New(spec Spec) *Process {
	return &Process{spec: spec, stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
}

// SetConsole replaces the inherited standard streams. Nil keeps the current one.
func (r *Process) SetConsole(stdin io.Reader, stdout, stderr io.Writer) {
	r.mu.Lock()
	if stdin != nil {
		r.stdin = stdin
	}
	if stdout != nil {
		r.stdout = stdout
	}
	if stderr != nil {
		r.stderr = stderr
	}
	r.mu.Unlock()
}

// Start launches the process with env (nil inherits the wrapper's environment).
// Output goes to the console and, when s.Log is configured, to rotating files too.
func (r *Process) Start(env []string) error {
	r.mu.Lock()
	spec := r.spec
	stdin, stdout, stderr := r.stdin, r.stdout, r.stderr
	running := r.cmd != nil && r.waitDone != nil
	r.mu.Unlock()
	if running {
		return fmt.Errorf("process %s already started", spec.Name)
	}

	cmd, err := spec.BuildCommand(context.Background())
	if err != nil {
		return err
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	var outW, errW io.WriteCloser
	if spec.Log.Enabled() {
		outW, errW, err = spec.Log.Writers(spec.Name)
		if err != nil {
			return fmt.Errorf("process %s: open log writers: %w", spec.Name, err)
		}
	}
	cmd.Stdin = stdin
	cmd.Stdout = tee(stdout, outW)
	cmd.Stderr = tee(stderr, errW)

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return err
	}

	r.mu.Lock()
	r.cmd = cmd
	r.outCloser, r.errCloser = outW, errW
	r.waitDone = make(chan struct{})
	r.status = Status{
		Name:      spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	r.mu.Unlock()

	if spec.PIDFile != "" {
		_ = WritePIDFile(spec.PIDFile, cmd.Process.Pid)
	}
	return nil
}

// Wait blocks until the started process exits and reports how it ended.
// It releases log writers and the PID file, and unblocks pending Stop calls.
func (r *Process) Wait() ExitInfo {
	r.mu.Lock()
	cmd := r.cmd
	done := r.waitDone
	r.mu.Unlock()
	if cmd == nil || done == nil {
		return ExitInfo{Code: -1, Err: errors.New("process not started")}
	}

	err := cmd.Wait()
	info := exitInfo(cmd, err)

	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitCode = info.Code
	r.status.ExitError = ""
	if info.Err != nil {
		r.status.ExitError = info.Err.Error()
	}
	closeAll(r.outCloser, r.errCloser)
	r.outCloser, r.errCloser = nil, nil
	r.cmd = nil
	r.waitDone = nil
	pidFile := r.spec.PIDFile
	r.mu.Unlock()

	if pidFile != "" {
		_ = os.Remove(pidFile)
	}
	close(done)
	return info
}

// Stop asks the process group to terminate and escalates to SIGKILL after wait.
// It returns once a concurrent Wait has reaped the child or the kill grace expires.
func (r *Process) Stop(wait time.Duration) error {
	r.mu.Lock()
	cmd := r.cmd
	done := r.waitDone
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil || done == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if err := terminateGroup(pid); err != nil && alive(pid) {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(wait):
	}
	_ = killGroup(pid)
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}
	return nil
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func exitInfo(cmd *exec.Cmd, err error) ExitInfo {
	ps := cmd.ProcessState
	if ps == nil {
		return ExitInfo{Code: -1, Err: err}
	}
	info := ExitInfo{Code: ps.ExitCode(), Signaled: !ps.Exited(), Err: err}
	var ee *exec.ExitError
	if info.Err != nil && !errors.As(info.Err, &ee) && info.Code == 0 {
		// Output copy failures (e.g. WaitDelay expiry) do not make a clean exit dirty.
		info.Err = nil
	}
	return info
}

func tee(console io.Writer, file io.Writer) io.Writer {
	switch {
	case file == nil:
		return console
	case console == nil:
		return file
	default:
		return io.MultiWriter(console, file)
	}
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
