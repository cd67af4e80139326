package botkeeper

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botkeeper/internal/bootstrap"
	"github.com/loykin/botkeeper/internal/config"
	"github.com/loykin/botkeeper/internal/manager"
	"github.com/loykin/botkeeper/internal/process"
)

type okRunner struct{}

func (okRunner) Run(context.Context, process.Spec) error { return nil }

// testConfig returns a config for an already bootstrapped app in a temp dir.
func testConfig(t *testing.T, command string) *config.Config {
	t.Helper()
	for _, k := range []string{"PORT", "BOTKEEPER_REPO_URL", "BOTKEEPER_APP_DIR"} {
		t.Setenv(k, "")
	}
	t.Setenv("SESSION_ID", "test-session")
	c, err := config.Load("")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"bot"}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o750))

	c.Bootstrap.AppDir = dir
	c.PM2.Enabled = false
	c.Supervisor.Command = command
	c.Supervisor.Policy.MaxRestarts = 1
	c.Supervisor.Policy.Window = time.Minute
	c.Server.Port = 0
	c.Server.Metrics = false
	c.Metrics.Enabled = false
	return c
}

func newTestApp(t *testing.T, c *config.Config) *App {
	t.Helper()
	a, err := New(c,
		WithLogOutput(io.Discard),
		WithBootstrapOptions(bootstrap.WithRunner(okRunner{}), bootstrap.WithProgress(io.Discard)),
		WithSupervisorOptions(manager.WithConsole(nil, io.Discard, io.Discard)),
	)
	require.NoError(t, err)
	return a
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func startApp(t *testing.T, a *App) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, func() bool { return a.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	return cancel, done
}

func getBody(t *testing.T, addr string) string {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestNew_WarnsWithoutSessionID(t *testing.T) {
	c := testConfig(t, "true")
	c.SessionID = ""
	var buf bytes.Buffer
	a, err := New(c, WithLogOutput(&buf))
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Contains(t, buf.String(), "SESSION_ID is not set")

	_, err = New(nil)
	assert.Error(t, err)
}

func TestNew_BadHistoryDSN(t *testing.T) {
	c := testConfig(t, "true")
	c.History.DSNs = []string{"unknown://x"}
	_, err := New(c, WithLogOutput(io.Discard))
	assert.Error(t, err)
}

func TestRun_BootstrapFailureIsFatal(t *testing.T) {
	c := testConfig(t, "true")
	c.Bootstrap.AppDir = filepath.Join(t.TempDir(), "absent")
	c.Bootstrap.RepoURL = ""
	a := newTestApp(t, c)

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, bootstrap.ErrClone), "got %v", err)
	assert.False(t, a.Status().Finished, "supervision must not start")
}

func TestRun_SupervisesUntilCancelled(t *testing.T) {
	requireUnix(t)
	a := newTestApp(t, testConfig(t, "sleep 30"))
	cancel, done := startApp(t, a)
	defer cancel()

	assert.Equal(t, "Mon bot fonctionne !", getBody(t, a.Addr()))
	require.Eventually(t, func() bool {
		st := a.Status()
		return len(st.Tiers) == 1 && st.Tiers[0].Running
	}, 5*time.Second, 20*time.Millisecond)

	b, err := os.ReadFile(filepath.Join(a.cfg.Bootstrap.AppDir, "config.env"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `SESSION_ID="test-session"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, a.Status().Tiers[0].Running)
}

func TestRun_ExhaustionKeepsHealthListener(t *testing.T) {
	requireUnix(t)
	a := newTestApp(t, testConfig(t, "sh -c 'exit 3'"))
	cancel, done := startApp(t, a)
	defer cancel()

	require.Eventually(t, func() bool { return a.Status().Finished }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, "gave_up", a.Status().Outcome)
	assert.Equal(t, "Mon bot fonctionne !", getBody(t, a.Addr()), "listener outlives supervision")

	select {
	case err := <-done:
		t.Fatalf("Run returned before cancel: %v", err)
	default:
	}
	cancel()
	require.NoError(t, <-done)
}
