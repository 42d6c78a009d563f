package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/auth"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/botrun"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/guardian"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/ipc"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/librarian"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/overlay"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/pmstore"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/stage"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the pm service",
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service uptime and active run counts",
	RunE:  runServiceStatus,
}

var serviceDoctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run service health checks",
	RunE:  runServiceDoctor,
}

var serveAuxAddr string

var serviceServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pm service (socket + diagnostic HTTP listener)",
	RunE:  runServiceServe,
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceStatusCmd, serviceDoctorCmd, serviceServeCmd)

	serviceServeCmd.Flags().StringVar(&serveAuxAddr, "http", "127.0.0.1:8089",
		"loopback address for the /healthz and /metrics diagnostic listener")
}

func runServiceStatus(cmd *cobra.Command, _ []string) error {
	client, err := dialIPC(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	var result ipc.ServiceStatusResult
	if err := client.callJSON("service.status", struct{}{}, &result); err != nil {
		return exitErr(exitCodeForRPCError(err), err)
	}
	if jsonOutput {
		return printJSON(cmd, result)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "uptime:       %.0fs\n", result.UptimeS)
	fmt.Fprintf(out, "active runs:  %d\n", result.ActiveRunCount)
	fmt.Fprintf(out, "connections:  %d\n", result.Connections)
	for _, ws := range result.ActiveWorkspaces {
		fmt.Fprintf(out, "  workspace: %s\n", ws)
	}
	return nil
}

func runServiceDoctor(cmd *cobra.Command, _ []string) error {
	client, err := dialIPC(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	var result ipc.ServiceDoctorResult
	if err := client.callJSON("service.doctor", struct{}{}, &result); err != nil {
		return exitErr(exitCodeForRPCError(err), err)
	}
	if jsonOutput {
		return printJSON(cmd, result)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "healthy: %v\n", result.Healthy)
	for _, c := range result.Checks {
		fmt.Fprintf(out, "  check:   %s\n", c)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w)
	}
	if !result.Healthy {
		return exitErr(ExitInfra, fmt.Errorf("service reports %d warning(s)", len(result.Warnings)))
	}
	return nil
}

// runServiceServe starts the Unix-socket IPC server and the loopback
// diagnostic HTTP server side by side, shutting both down together on
// SIGINT/SIGTERM — mirroring the teacher's serve.go lifecycle.
func runServiceServe(cmd *cobra.Command, _ []string) error {
	logger := logging.New(logging.Config{Level: logLevel, Format: logFormat, Output: os.Stdout})

	home, err := os.UserHomeDir()
	if err != nil {
		return exitErr(ExitInfra, fmt.Errorf("resolving home directory: %w", err))
	}
	baseDir := filepath.Join(home, ".code")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.New(256)
	defer bus.Close()

	capsule := pmstore.NewLocalCapsuleStore(filepath.Join(baseDir, "capsules"))
	store := pmstore.New(filepath.Join(baseDir, "runs"), capsule)

	overlayDB, err := overlay.Open(filepath.Join(baseDir, "overlay.db"))
	if err != nil {
		return exitErr(ExitInfra, fmt.Errorf("opening overlay database: %w", err))
	}
	defer overlayDB.Close()

	authMgr := auth.NewManager(auth.NewFileCredentialStore(filepath.Join(baseDir, "credentials")), nil)
	exec := botrun.NewPipelineExecutor(overlayDB, bus, logger, discoverAgents(authMgr), nil)
	manager := botrun.NewManager(store, bus, exec)

	sched := librarian.NewScheduler(overlayDB, defaultLibrarianSweep, logger)
	if err := sched.Start(ctx, "0 3 * * *"); err != nil {
		logger.Warn("librarian scheduler failed to start", "error", err)
	} else {
		defer sched.Stop()
	}

	server := ipc.NewServer(manager, logger.Logger)
	listener, err := ipc.Listen(socketPath)
	if err != nil {
		return exitErr(ExitInfra, err)
	}

	aux := ipc.NewAuxHTTPServer(manager)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, listener) })
	g.Go(func() error {
		if err := aux.ListenAndServe(gctx, serveAuxAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	logger.Info("pm service listening", "socket", socketPath, "http", serveAuxAddr)
	fmt.Fprintf(cmd.OutOrStdout(), "pm service listening on %s (diagnostics at http://%s)\n", socketPath, serveAuxAddr)

	if err := g.Wait(); err != nil {
		return exitErr(ExitInfra, err)
	}
	logger.Info("pm service stopped")
	return nil
}

// knownAgentBinaries are the CLI names the stage pipeline looks for on PATH,
// each mapped to the provider whose credentials authenticate it.
var knownAgentBinaries = map[string]auth.ProviderID{
	"claude": auth.ProviderAnthropic,
	"gemini": auth.ProviderGoogle,
	"codex":  auth.ProviderOpenAI,
}

// discoverAgents builds the stage pipeline's agent set from whichever known
// CLI binaries are present on PATH (teacher's exec.LookPath idiom, seen in
// internal/diagnostics/system_metrics.go). A deployment with none installed
// still runs the pipeline, just with zero configured agents per stage.
func discoverAgents(authMgr *auth.Manager) map[string]stage.Agent {
	agents := make(map[string]stage.Agent)
	for name, provider := range knownAgentBinaries {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		agents[name] = botrun.CLIAgent{Name: name, Path: path, Auth: authMgr, Provider: provider}
	}
	return agents
}

// defaultLibrarianSweep re-audits overlay memories left unstructured by the
// pipeline (e.g. a restructuring failure that fell back to the template
// guardian's passthrough wrapper), running them back through the passthrough
// template guardian and logging each touched memory as a change.
func defaultLibrarianSweep(ctx context.Context, db *overlay.DB, sweepID string) (map[string]any, error) {
	rows, err := db.GetMemoriesByScore(ctx, 500)
	if err != nil {
		return nil, err
	}

	reaudited := 0
	for _, row := range rows {
		if row.StructureStatus == "structured" || !row.RawContent.Valid {
			continue
		}

		before := row.RawContent.String
		draft := guardian.GuardedMemory{RawContent: before, Kind: guardian.ParseMemoryKind(row.Kind), CreatedAt: time.Now()}
		result := guardian.ApplyTemplateGuardianPassthrough(draft)

		if err := db.UpsertOverlayMemory(ctx, row.MemoryID, string(result.Memory.Kind), row.CreatedAt,
			row.InitialPriority, result.Memory.StructuredContent); err != nil {
			continue
		}
		_ = db.LogChange(ctx, sweepID, overlay.ChangeInput{
			MemoryID:   row.MemoryID,
			ChangeKind: "restructured",
			BeforeJSON: before,
			AfterJSON:  result.Memory.StructuredContent,
		}, time.Now())
		reaudited++
	}

	return map[string]any{"scanned": len(rows), "reaudited": reaudited}, nil
}
