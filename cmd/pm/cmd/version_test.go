package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommandOutput(t *testing.T) {
	SetVersion("v1.2.3", "abc123", "2026-01-15")

	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, []string{})

	output := buf.String()
	assert.Contains(t, output, "v1.2.3")
	assert.Contains(t, output, "abc123")
	assert.Contains(t, output, "2026-01-15")
	assert.Contains(t, output, "codex-pm")
}

func TestVersionCommandRegistered(t *testing.T) {
	var found bool
	for _, c := range rootCmd.Commands() {
		if c.Use == "version" {
			found = true
			break
		}
	}
	assert.True(t, found, "version command should be registered with root command")
}

func TestBotAndServiceCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Use] = true
	}
	require.True(t, names["bot"])
	require.True(t, names["service"])

	botNames := map[string]bool{}
	for _, c := range botCmd.Commands() {
		botNames[c.Use] = true
	}
	for _, want := range []string{"run", "status", "runs", "show", "cancel", "resume"} {
		assert.True(t, botNames[want], "bot %s should be registered", want)
	}

	serviceNames := map[string]bool{}
	for _, c := range serviceCmd.Commands() {
		serviceNames[c.Use] = true
	}
	for _, want := range []string{"status", "doctor", "serve"} {
		assert.True(t, serviceNames[want], "service %s should be registered", want)
	}
}
