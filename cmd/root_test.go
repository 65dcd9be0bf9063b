package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/orbital/internal/domain"
	"github.com/vadiminshakov/orbital/internal/storage/flushjournal"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "orbital.yaml")
	content := fmt.Sprintf("data-dir: %s\ndatabase:\n  table-name: balances\nlogging:\n  level: error\n", dir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path, dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "setup", "accounts", "journal"})
}

func TestAccountsCmd(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := run(t, "accounts", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ACTOR")
	assert.Contains(t, out, "0 accounts")
}

func TestJournalReplayCmd(t *testing.T) {
	path, dir := writeConfig(t)
	id := domain.NewActorID()

	journal, err := flushjournal.Open(filepath.Join(dir, "journal"), zap.NewNop())
	require.NoError(t, err)
	_, err = journal.Prepare(id, decimal.NewFromInt(42))
	require.NoError(t, err)
	require.NoError(t, journal.Close())

	out, err := run(t, "journal", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, id.String())
	assert.Contains(t, out, "1 unsettled")

	out, err = run(t, "journal", "replay", "--config", path, "--interval", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, "applied 1, failed 0")

	out, err = run(t, "accounts", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, id.String())
	assert.Contains(t, out, "42")
}
