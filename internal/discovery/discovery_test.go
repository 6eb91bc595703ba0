package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("package x\n"), 0o644))
}

func TestModules(t *testing.T) {
	cwd := t.TempDir()
	touch(t, filepath.Join(cwd, "tasks", "doc.go"))
	touch(t, filepath.Join(cwd, "tasks", "notify.go"))
	touch(t, filepath.Join(cwd, "tasks", "notify_test.go"))
	touch(t, filepath.Join(cwd, "tasks", "README.md"))
	touch(t, filepath.Join(cwd, "tasks", "email", "send.go"))

	got, err := modulesFrom(cwd, "tasks")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tasks.notify", "tasks.email.send"}, got)
}

func TestModules_AbsoluteBaseDir(t *testing.T) {
	cwd := t.TempDir()
	touch(t, filepath.Join(cwd, "jobs", "report.go"))

	got, err := modulesFrom(cwd, filepath.Join(cwd, "jobs"))
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs.report"}, got)
}

func TestModules_OutsideWorkingDirAreSkipped(t *testing.T) {
	cwd := t.TempDir()
	elsewhere := t.TempDir()
	touch(t, filepath.Join(elsewhere, "tasks", "remote.go"))

	got, err := modulesFrom(cwd, filepath.Join(elsewhere, "tasks"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestModules_MissingDir(t *testing.T) {
	got, err := modulesFrom(t.TempDir(), "nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestModules_UsesWorkingDirectory(t *testing.T) {
	cwd := t.TempDir()
	touch(t, filepath.Join(cwd, "tasks", "a.go"))
	t.Chdir(cwd)

	got, err := Modules("tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks.a"}, got)
}
