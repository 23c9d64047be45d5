package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	content := `
name: test_scenario
description: "Test scenario for validation"
steps:
  - exec: ["CREATE TABLE t (x INTEGER)"]
  - label: slow
    begin: ["INSERT INTO t VALUES (1)"]
    hold: true
    tx: true
  - wait_running: slow
  - release: slow
  - end: slow
    expect: { status: ok, value: 1 }
  - query: "SELECT x FROM t WHERE x = ?"
    args: [1]
    rows: [[1]]
assertions:
  - type: trace_order
    labels: [step-1, slow]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "test_scenario", scenario.databaseName())
	require.Len(t, scenario.Steps, 6)
	assert.Equal(t, "step-1", scenario.Steps[0].Label, "unlabelled exec steps get a default label")
	assert.Equal(t, KindBegin, scenario.Steps[1].Kind())
	assert.True(t, scenario.Steps[1].Tx)
	assert.Equal(t, KindWaitRunning, scenario.Steps[2].Kind())
	require.NotNil(t, scenario.Steps[4].Expect)
	assert.Equal(t, int64(1), *scenario.Steps[4].Expect.Value)
	assert.Equal(t, [][]any{{1}}, scenario.Steps[5].Rows)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "unknown field",
			content: "name: x\ndescription: d\nsteps:\n  - exec: [\"SELECT 1\"]\nassertion: []\n",
			errMsg:  "failed to parse YAML",
		},
		{
			name:    "missing name",
			content: "description: d\nsteps:\n  - exec: [\"SELECT 1\"]\n",
			errMsg:  "name is required",
		},
		{
			name:    "missing description",
			content: "name: x\nsteps:\n  - exec: [\"SELECT 1\"]\n",
			errMsg:  "description is required",
		},
		{
			name:    "no steps",
			content: "name: x\ndescription: d\nsteps: []\n",
			errMsg:  "steps list is required",
		},
		{
			name:    "database with separator",
			content: "name: x\ndescription: d\ndatabase: a/b\nsteps:\n  - exec: [\"SELECT 1\"]\n",
			errMsg:  "path separators",
		},
		{
			name:    "two actions in one step",
			content: "name: x\ndescription: d\nsteps:\n  - exec: [\"SELECT 1\"]\n    drain: true\n",
			errMsg:  "exactly one action",
		},
		{
			name:    "empty step",
			content: "name: x\ndescription: d\nsteps:\n  - label: nothing\n",
			errMsg:  "exactly one action",
		},
		{
			name:    "end before begin",
			content: "name: x\ndescription: d\nsteps:\n  - end: later\n",
			errMsg:  "not an earlier begin step",
		},
		{
			name:    "release of unheld task",
			content: "name: x\ndescription: d\nsteps:\n  - label: a\n    begin: [\"SELECT 1\"]\n  - release: a\n",
			errMsg:  "not a held begin step",
		},
		{
			name:    "duplicate label",
			content: "name: x\ndescription: d\nsteps:\n  - label: a\n    exec: [\"SELECT 1\"]\n  - label: a\n    begin: [\"SELECT 1\"]\n",
			errMsg:  "duplicate label",
		},
		{
			name:    "hold on exec",
			content: "name: x\ndescription: d\nsteps:\n  - exec: [\"SELECT 1\"]\n    hold: true\n",
			errMsg:  "hold applies to begin steps",
		},
		{
			name:    "rows on exec",
			content: "name: x\ndescription: d\nsteps:\n  - exec: [\"SELECT 1\"]\n    rows: [[1]]\n",
			errMsg:  "args and rows apply to query steps",
		},
		{
			name:    "expect on query",
			content: "name: x\ndescription: d\nsteps:\n  - query: \"SELECT 1\"\n    expect: { status: ok }\n",
			errMsg:  "applies to exec and end steps",
		},
		{
			name:    "bad expect status",
			content: "name: x\ndescription: d\nsteps:\n  - exec: [\"SELECT 1\"]\n    expect: { status: done }\n",
			errMsg:  "status must be ok, failed or cancelled",
		},
		{
			name:    "unknown assertion",
			content: "name: x\ndescription: d\nsteps:\n  - exec: [\"SELECT 1\"]\nassertions:\n  - type: trace_contains\n",
			errMsg:  "unknown assertion type",
		},
		{
			name:    "trace_order with one label",
			content: "name: x\ndescription: d\nsteps:\n  - exec: [\"SELECT 1\"]\nassertions:\n  - type: trace_order\n    labels: [a]\n",
			errMsg:  "at least 2 labels",
		},
		{
			name:    "final_state without query",
			content: "name: x\ndescription: d\nsteps:\n  - exec: [\"SELECT 1\"]\nassertions:\n  - type: final_state\n",
			errMsg:  "requires query",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		_, err := LoadScenario(path)
		assert.NoError(t, err, path)
	}
}
