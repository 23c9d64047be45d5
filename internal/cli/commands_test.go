package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// afdb runs the root command with args and returns stdout.
func afdb(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decode parses a JSON response and returns its data payload.
func decode(t *testing.T, out string) (CLIResponse, map[string]any) {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	data, _ := resp.Data.(map[string]any)
	return resp, data
}

func TestInitExecQuery(t *testing.T) {
	dir := t.TempDir()

	out, err := afdb(t, "--dir", dir, "init", "inventory")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized "+filepath.Join(dir, "inventory.sqlite"))

	out, err = afdb(t, "--dir", dir, "--format", "json", "exec", "inventory",
		"CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, note TEXT)",
		"INSERT INTO items (name) VALUES ('apple')",
		"INSERT INTO items (name, note) VALUES ('pear', 'ripe')")
	require.NoError(t, err)
	resp, data := decode(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, float64(3), data["statements"])
	assert.Equal(t, float64(2), data["rows_affected"])
	assert.Equal(t, float64(2), data["last_insert_id"])

	out, err = afdb(t, "--dir", dir, "--format", "json", "query", "inventory",
		"SELECT id, name, note FROM items WHERE name <> ? ORDER BY id", "banana")
	require.NoError(t, err)
	_, data = decode(t, out)
	assert.Equal(t, []any{"id", "name", "note"}, data["columns"])
	assert.Equal(t, []any{
		[]any{float64(1), "apple", nil},
		[]any{float64(2), "pear", "ripe"},
	}, data["rows"])

	out, err = afdb(t, "--dir", dir, "query", "inventory", "SELECT name, note FROM items ORDER BY id")
	require.NoError(t, err)
	assert.Contains(t, out, "name")
	assert.Contains(t, out, "apple")
	assert.Contains(t, out, "NULL")
}

func TestInit_ExistingIsKeptWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	_, err := afdb(t, "--dir", dir, "init", "db")
	require.NoError(t, err)
	_, err = afdb(t, "--dir", dir, "exec", "db", "CREATE TABLE t (x INTEGER)")
	require.NoError(t, err)

	_, err = afdb(t, "--dir", dir, "init", "db")
	require.NoError(t, err)
	_, err = afdb(t, "--dir", dir, "query", "db", "SELECT * FROM t")
	require.NoError(t, err, "init without --overwrite keeps the schema")

	_, err = afdb(t, "--dir", dir, "init", "db", "--overwrite")
	require.NoError(t, err)
	_, err = afdb(t, "--dir", dir, "query", "db", "SELECT * FROM t")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestInit_FromTemplate(t *testing.T) {
	templates := t.TempDir()
	_, err := afdb(t, "--dir", templates, "exec", "seeded", "SELECT 1")
	require.Error(t, err, "exec requires an initialized database")

	_, err = afdb(t, "--dir", templates, "init", "seeded")
	require.NoError(t, err)
	_, err = afdb(t, "--dir", templates, "exec", "seeded",
		"CREATE TABLE seed (v TEXT)", "INSERT INTO seed VALUES ('from template')")
	require.NoError(t, err)

	dir := t.TempDir()
	out, err := afdb(t, "--dir", dir, "--templates", templates, "--format", "json", "init", "seeded")
	require.NoError(t, err)
	_, data := decode(t, out)
	assert.Equal(t, filepath.Join(templates, "seeded.sqlite"), data["template"])

	out, err = afdb(t, "--dir", dir, "--format", "json", "query", "seeded", "SELECT v FROM seed")
	require.NoError(t, err)
	_, data = decode(t, out)
	assert.Equal(t, []any{[]any{"from template"}}, data["rows"])
}

func TestExec_MissingDatabase(t *testing.T) {
	out, err := afdb(t, "--dir", t.TempDir(), "--format", "json", "exec", "nope", "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")

	resp, _ := decode(t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, CodeDatabase, resp.Error.Code)
}

func TestExec_TransactionRollsBack(t *testing.T) {
	dir := t.TempDir()
	_, err := afdb(t, "--dir", dir, "init", "db")
	require.NoError(t, err)
	_, err = afdb(t, "--dir", dir, "exec", "db", "CREATE TABLE t (x INTEGER NOT NULL)")
	require.NoError(t, err)

	out, err := afdb(t, "--dir", dir, "--format", "json", "exec", "--tx", "db",
		"INSERT INTO t VALUES (1)", "INSERT INTO t VALUES (NULL)")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp, _ := decode(t, out)
	assert.Equal(t, CodeTask, resp.Error.Code)
	assert.Contains(t, resp.Error.Details, "statement 2")

	out, err = afdb(t, "--dir", dir, "--format", "json", "query", "db", "SELECT count(*) FROM t")
	require.NoError(t, err)
	_, data := decode(t, out)
	assert.Equal(t, []any{[]any{float64(0)}}, data["rows"])
}

func TestExec_PureGoDriver(t *testing.T) {
	dir := t.TempDir()
	_, err := afdb(t, "--dir", dir, "--driver", "sqlite", "init", "db")
	require.NoError(t, err)

	out, err := afdb(t, "--dir", dir, "--driver", "sqlite", "--format", "json", "exec", "db",
		"CREATE TABLE t (x INTEGER)", "INSERT INTO t VALUES (42)")
	require.NoError(t, err)
	_, data := decode(t, out)
	assert.Equal(t, float64(1), data["last_insert_id"])
}

func TestRun_Scenarios(t *testing.T) {
	golden, err := os.ReadFile("../harness/testdata/golden/basic_read_write.golden")
	require.NoError(t, err)

	out, err := afdb(t, "--format", "json", "run", "../harness/testdata/scenarios/basic_read_write.yaml")
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 1, resp.Data.Passed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.JSONEq(t, string(golden), string(resp.Data.Scenarios[0].Trace))
}

func TestRun_FailingScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: failing
description: "expects a row that is never written"
steps:
  - exec: ["CREATE TABLE t (x INTEGER)"]
  - query: "SELECT x FROM t"
    rows: [[1]]
`), 0o600))

	out, err := afdb(t, "run", path, "../harness/testdata/scenarios/fifo_cancel.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL failing")
	assert.Contains(t, out, "PASS fifo_cancel")
	assert.Contains(t, out, "1 passed, 1 failed, 2 total")
}

func TestRun_InvalidScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: bad\n"), 0o600))

	_, err := afdb(t, "run", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "description is required")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	out, err := afdb(t, "--dir", dir, "--format", "json", "load", "scratch", "--workers", "3", "--ops", "10")
	require.NoError(t, err)
	_, data := decode(t, out)
	assert.Equal(t, float64(30), data["inserted"])
	assert.Equal(t, float64(15), data["sync"])
	assert.Equal(t, float64(15), data["async"])

	// A second run adds to the existing table.
	out, err = afdb(t, "--dir", dir, "--format", "json", "load", "scratch", "--workers", "2", "--ops", "5")
	require.NoError(t, err)
	_, data = decode(t, out)
	assert.Equal(t, float64(10), data["inserted"])

	out, err = afdb(t, "--dir", dir, "--format", "json", "query", "scratch", "SELECT count(*) FROM afdb_load")
	require.NoError(t, err)
	_, data = decode(t, out)
	assert.Equal(t, []any{[]any{float64(40)}}, data["rows"])
}

func TestLoad_RejectsBadCounts(t *testing.T) {
	_, err := afdb(t, "--dir", t.TempDir(), "load", "scratch", "--workers", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPurge(t *testing.T) {
	dir := t.TempDir()
	_, err := afdb(t, "--dir", dir, "init", "db")
	require.NoError(t, err)
	_, err = afdb(t, "--dir", dir, "exec", "db", "CREATE TABLE t (x INTEGER)")
	require.NoError(t, err)

	out, err := afdb(t, "--dir", dir, "purge", "db")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged")

	_, err = afdb(t, "--dir", dir, "query", "db", "SELECT * FROM t")
	require.Error(t, err, "purge drops the schema")

	_, err = afdb(t, "--dir", dir, "purge", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
