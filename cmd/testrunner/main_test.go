package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectTestBinaries(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"api/config.test", "api/services/payments/db.test", "api/README.md"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, nil, 0o755))
	}

	bins, err := collectTestBinaries(root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "api", "config.test"),
		filepath.Join(root, "api", "services", "payments", "db.test"),
	}, bins)
}

func TestTestArgs(t *testing.T) {
	o := options{verbose: true, short: true, count: 1}
	assert.Equal(t, []string{"-test.v", "-test.short", "-test.count=1", "-test.parallel=1"}, testArgs(o, 1))
	assert.Empty(t, testArgs(options{}, 0))
}

func TestWorkDirFor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "db"), 0o755))

	assert.Equal(t, filepath.Join(root, "db"), workDirFor(filepath.Join(root, "db.test"), "/app"))
	assert.Equal(t, "/app", workDirFor(filepath.Join(root, "config.test"), "/app"))
}

func TestRun_NoBinaries(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--tests-dir", t.TempDir()})
	cmd.SetOut(&bytes.Buffer{})
	assert.EqualError(t, cmd.Execute(), "no test binaries found")
}
