package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidate_Defaults(t *testing.T) {
	out, err := runCLI(t, "validate", "--show")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")
	assert.Contains(t, out, "quarantine_threshold: 5")
}

func TestValidate_File(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(good, []byte("escalation:\n  quarantine_threshold: 7\n"), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte("escalation:\n  sinkhole_threshold: 1\n"), 0o600))

	out, err := runCLI(t, "validate", "--config", good, "--show")
	require.NoError(t, err)
	assert.Contains(t, out, "quarantine_threshold: 7")

	_, err = runCLI(t, "validate", "--config", bad)
	assert.Error(t, err)
}

func TestRoot_RejectsBadLogLevel(t *testing.T) {
	_, err := runCLI(t, "validate", "--log-level", "chatty")
	assert.Error(t, err)
}
