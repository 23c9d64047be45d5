package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "afdb", cmd.Use)
	assert.Contains(t, cmd.Long, "single connection")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"init", "exec", "query", "run", "load", "purge"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	for _, name := range []string{"dir", "templates", "driver"} {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "", flag.DefValue, "%s defers to the config file", name)
	}
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	initCmd, _, err := cmd.Find([]string{"init"})
	require.NoError(t, err)
	require.NotNil(t, initCmd.Flags().Lookup("overwrite"))

	execCmd, _, err := cmd.Find([]string{"exec"})
	require.NoError(t, err)
	require.NotNil(t, execCmd.Flags().Lookup("tx"))

	loadCmd, _, err := cmd.Find([]string{"load"})
	require.NoError(t, err)
	workers := loadCmd.Flags().Lookup("workers")
	require.NotNil(t, workers)
	assert.Equal(t, "4", workers.DefValue)
	ops := loadCmd.Flags().Lookup("ops")
	require.NotNil(t, ops)
	assert.Equal(t, "100", ops.DefValue)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "invalid", "init", "db"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "afdb.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
dir:       "/from/file"
templates: "/tmpl/file"
driver:    "sqlite"
`), 0o600))

	opts := &RootOptions{Config: path, Dir: "/from/flag"}
	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.Dir)
	assert.Equal(t, "/tmpl/file", cfg.Templates)
	assert.Equal(t, "sqlite", cfg.Driver)

	opts.Driver = "sqlite3"
	cfg, err = opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Driver)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := (&RootOptions{Driver: "postgres"}).loadConfig()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	path := filepath.Join(t.TempDir(), "afdb.cue")
	require.NoError(t, os.WriteFile(path, []byte(`dirr: "/typo"`), 0o600))
	_, err = (&RootOptions{Config: path}).loadConfig()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}
