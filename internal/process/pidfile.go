package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// WritePIDFile writes pid to path, creating parent directories.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile reads a PID written by WritePIDFile.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(string(b), "\n")
	return strconv.Atoi(strings.TrimSpace(first))
}

// ReapStale terminates a process group left behind by a previous wrapper run,
// as recorded in pidFile, and removes the file. It reports the pid it found
// alive, or 0.
func ReapStale(pidFile string, wait time.Duration) (int, error) {
	if pidFile == "" {
		return 0, nil
	}
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		_ = os.Remove(pidFile)
		return 0, nil
	}
	defer func() { _ = os.Remove(pidFile) }()
	if pid <= 0 || pid == os.Getpid() || !alive(pid) {
		return 0, nil
	}
	_ = terminateGroup(pid)
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return pid, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return pid, killGroup(pid)
}
