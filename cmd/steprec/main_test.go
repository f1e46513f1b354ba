package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestStoreCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "data", "steprec.db")

	assert.Contains(t, execute(t, "state", "--db", db, "--log-level", "error"), "not recording")
	assert.Contains(t, execute(t, "list", "--db", db, "--log-level", "error"), "ELEMENT")
	assert.Contains(t, execute(t, "clear", "--db", db, "--log-level", "error"), "records cleared")

	out := filepath.Join(t.TempDir(), "ops.json")
	execute(t, "export", "--db", db, "--log-level", "error", "-o", out)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestRecordNeedsPage(t *testing.T) {
	rootCmd.SetArgs([]string{"record", "--db", filepath.Join(t.TempDir(), "s.db")})
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	err := rootCmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no page to record")
}
