package botrun

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/auth"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/stage"
)

// CLIAgent invokes a configured LLM CLI binary as a subprocess for one stage
// prompt, grounded on the teacher's internal/adapters/cli/base.go
// exec.CommandContext idiom — simplified to what stage.Agent needs (no
// event streaming, no crash-dump diagnostics; both depended on the
// consensus/workflow event types that served the teacher's own multi-CLI
// chat engine and had no caller left after that engine was trimmed).
type CLIAgent struct {
	Name    string
	Path    string
	Model   string
	Timeout time.Duration

	Auth     *auth.Manager
	Provider auth.ProviderID
}

const defaultAgentTimeout = 5 * time.Minute

func (a CLIAgent) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return defaultAgentTimeout
}

// Run implements stage.Agent: it writes prompt to the subprocess's stdin and
// returns its stdout verbatim for the extraction cascade to parse.
func (a CLIAgent) Run(ctx context.Context, stageName stage.Name, effort stage.Effort, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	args := []string{"--stage", string(stageName), "--effort", string(effort)}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}

	cmd := exec.CommandContext(ctx, a.Path, args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = os.Environ()
	if a.Auth != nil {
		if tok, err := a.Auth.GetToken(ctx, a.Provider); err == nil {
			envVar := strings.ToUpper(string(a.Provider)) + "_API_TOKEN"
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", envVar, tok))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", core.ErrInfra("AGENT_EXEC_FAILED",
			fmt.Sprintf("%s agent failed on stage %s: %s", a.Name, stageName, stderr.String())).WithCause(err)
	}
	return stdout.String(), nil
}
