package bootstrap

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botkeeper/internal/process"
)

// fakeRunner records commands and fails those listed in fail.
type fakeRunner struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []string
	// onRun simulates side effects such as creating node_modules.
	onRun func(spec process.Spec)
}

func (f *fakeRunner) Run(_ context.Context, spec process.Spec) error {
	f.mu.Lock()
	f.calls = append(f.calls, spec.Name)
	err := f.fail[spec.Name]
	f.mu.Unlock()
	if err == nil && f.onRun != nil {
		f.onRun(spec)
	}
	return err
}

func createsDeps(spec process.Spec) {
	if spec.Name == "install" {
		_ = os.MkdirAll(filepath.Join(spec.WorkDir, "node_modules", ".bin"), 0o750)
	}
}

// initRepo creates a git repository holding a package.json.
func initRepo(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "package.json"), []byte(`{"name":"bot","main":"index.js"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.js"), []byte("console.log('hi')\n"), 0o600))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(".")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "botkeeper", Email: "botkeeper@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return src
}

func testConfig(appDir string) Config {
	c := DefaultConfig()
	c.AppDir = appDir
	c.Depth = 0
	c.SessionID = "session-123"
	return c
}

func newQuiet(cfg Config, r *fakeRunner) *Bootstrapper {
	return New(cfg, WithRunner(r), WithProgress(io.Discard))
}

func TestEnsure_ClonesAndInstalls(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("local clone needs git-upload-pack")
	}
	src := initRepo(t)
	appDir := filepath.Join(t.TempDir(), "app")
	cfg := testConfig(appDir)
	cfg.RepoURL = src
	r := &fakeRunner{onRun: createsDeps}

	require.NoError(t, newQuiet(cfg, r).EnsureApplicationReady(context.Background()))

	assert.FileExists(t, filepath.Join(appDir, "package.json"))
	assert.DirExists(t, filepath.Join(appDir, ".git"))
	assert.Equal(t, []string{"install"}, r.calls)

	vals, err := godotenv.Read(filepath.Join(appDir, "config.env"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"VPS": "true", "SESSION_ID": "session-123"}, vals)
}

func TestEnsure_ExistingDirSkipsCloneAndVerifies(t *testing.T) {
	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "package.json"), []byte(`{}`), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(appDir, "node_modules"), 0o750))
	cfg := testConfig(appDir)
	cfg.RepoURL = "https://invalid.invalid/never-cloned.git"
	r := &fakeRunner{}

	require.NoError(t, newQuiet(cfg, r).EnsureApplicationReady(context.Background()))
	assert.Equal(t, []string{"verify"}, r.calls)
}

func TestEnsure_VerifyFailureReinstalls(t *testing.T) {
	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "package.json"), []byte(`{}`), 0o600))
	stale := filepath.Join(appDir, "node_modules", "stale-package")
	require.NoError(t, os.MkdirAll(stale, 0o750))
	r := &fakeRunner{fail: map[string]error{"verify": errors.New("exit status 1")}, onRun: createsDeps}

	require.NoError(t, newQuiet(testConfig(appDir), r).EnsureApplicationReady(context.Background()))
	assert.Equal(t, []string{"verify", "install"}, r.calls)
	assert.NoDirExists(t, stale, "node_modules is removed before reinstalling")
	assert.DirExists(t, filepath.Join(appDir, "node_modules", ".bin"))
}

func TestEnsure_InstallFailureIsFatal(t *testing.T) {
	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "package.json"), []byte(`{}`), 0o600))
	r := &fakeRunner{fail: map[string]error{"install": errors.New("exit status 1")}}

	err := newQuiet(testConfig(appDir), r).EnsureApplicationReady(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstall)
}

func TestEnsure_MissingManifest(t *testing.T) {
	appDir := t.TempDir()
	r := &fakeRunner{}
	err := newQuiet(testConfig(appDir), r).EnsureApplicationReady(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingManifest)
	assert.Empty(t, r.calls, "nothing is installed without a manifest")
	assert.FileExists(t, filepath.Join(appDir, "config.env"), "env file is written before the manifest check")
}

func TestEnsure_CloneFailure(t *testing.T) {
	appDir := filepath.Join(t.TempDir(), "app")
	cfg := testConfig(appDir)
	cfg.RepoURL = filepath.Join(t.TempDir(), "not-a-repo")

	err := newQuiet(cfg, &fakeRunner{}).EnsureApplicationReady(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClone)
	assert.NoDirExists(t, appDir, "partial clone is cleaned up")
}

func TestEnsure_NoRepoConfigured(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "absent"))
	err := newQuiet(cfg, &fakeRunner{}).EnsureApplicationReady(context.Background())
	assert.ErrorIs(t, err, ErrClone)
}

func TestEnsure_CustomFlagAndExtraEnv(t *testing.T) {
	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "package.json"), []byte(`{}`), 0o600))
	cfg := testConfig(appDir)
	cfg.FlagKey = "HOSTED"
	cfg.ExtraEnv = map[string]string{"PREFIX": "!"}
	cfg.VerifyCommand = ""
	require.NoError(t, os.Mkdir(filepath.Join(appDir, "node_modules"), 0o750))
	r := &fakeRunner{}

	require.NoError(t, newQuiet(cfg, r).EnsureApplicationReady(context.Background()))
	assert.Empty(t, r.calls, "no verify command configured")
	vals, err := godotenv.Read(filepath.Join(appDir, "config.env"))
	require.NoError(t, err)
	assert.Equal(t, "true", vals["HOSTED"])
	assert.Equal(t, "!", vals["PREFIX"])
	assert.NotContains(t, vals, "VPS")
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, testConfig("app").Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{AppDir: "app"}.Validate())
}
