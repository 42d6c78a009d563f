// Package cmd implements the codex-pm CLI surface: a thin client that dials
// the pm service's Unix socket and speaks its JSON-RPC-lite protocol
// (internal/ipc), following the teacher's cobra command-tree conventions
// (cmd/quorum/cmd/root.go).
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/pmconfig"
)

// Exit codes per the documented CLI surface: 0 success, 2 blocked/cancelled,
// 3 infra/default error, 10 needs-input/needs-attention, 11 needs-approval,
// 13 invariant (already-terminal).
const (
	ExitOK             = 0
	ExitBlocked        = 2
	ExitInfra          = 3
	ExitNeedsInput     = 10
	ExitNeedsApproval  = 11
	ExitInvariant      = 13
)

var (
	cfgFile    string
	logLevel   string
	logFormat  string
	socketPath string
	jsonOutput bool

	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "codex-pm",
	Short: "Client for the local bot-run service",
	Long: `codex-pm talks to a locally running pm service over a Unix domain
socket, submitting and inspecting bot runs (research/review work) against a
spec-kit workspace.

Run 'codex-pm service serve' in one terminal to start the service, then use
'codex-pm bot run' from another to submit work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

// Execute runs the root command and returns the process exit code, mapping
// CLI errors to the documented exit-code taxonomy.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if ce, ok := err.(*cliError); ok {
			if ce.code != ExitOK {
				fmt.Fprintln(os.Stderr, "error:", ce.Error())
			}
			return ce.code
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return ExitInfra
	}
	return ExitOK
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// GetVersion returns the application version string.
func GetVersion() string {
	return appVersion
}

// cliError carries an explicit process exit code alongside its message.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func exitErr(code int, err error) *cliError { return &cliError{code: code, err: err} }

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.code/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(),
		"path to the pm service's unix socket")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"emit machine-readable JSON instead of text")
}

func defaultSocketPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".code", "pm.sock")
	}
	return filepath.Join(os.TempDir(), "codex-pm.sock")
}

func initConfig() error {
	v, err := pmconfig.Load(cfgFile)
	if err != nil {
		return err
	}
	if socketPath == "" {
		socketPath = v.GetString("socket")
	}
	if v.IsSet("log.level") && !rootCmd.PersistentFlags().Changed("log-level") {
		logLevel = v.GetString("log.level")
	}
	if v.IsSet("log.format") && !rootCmd.PersistentFlags().Changed("log-format") {
		logFormat = v.GetString("log.format")
	}
	return nil
}

func currentWorkspace() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", exitErr(ExitInfra, fmt.Errorf("resolving workspace: %w", err))
	}
	return wd, nil
}
