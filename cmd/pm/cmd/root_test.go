package cmd

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteHelp(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"codex-pm", "--help"}
	code := Execute()
	assert.Equal(t, ExitOK, code)
}

func TestSetAndGetVersion(t *testing.T) {
	SetVersion("1.2.3", "deadbeef", "2026-01-01")
	assert.Equal(t, "1.2.3", GetVersion())
}

func TestDefaultSocketPathEndsInSockFile(t *testing.T) {
	path := defaultSocketPath()
	assert.Contains(t, path, "pm.sock")
}

func TestInitConfigSucceedsWithoutConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	oldDir, _ := os.Getwd()
	defer os.Chdir(oldDir)

	viper.Reset()
	cfgFile = ""
	require.NoError(t, os.Chdir(tmpDir))

	err := initConfig()
	assert.NoError(t, err)
}

func TestExitErrWrapsCodeAndMessage(t *testing.T) {
	err := exitErr(ExitNeedsApproval, assert.AnError)
	assert.Equal(t, ExitNeedsApproval, err.code)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCurrentWorkspaceReturnsCwd(t *testing.T) {
	ws, err := currentWorkspace()
	require.NoError(t, err)
	assert.NotEmpty(t, ws)
}
