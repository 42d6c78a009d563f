package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/ipc"
)

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Submit and inspect bot runs",
}

var (
	botWorkItemID  string
	botKind        string
	botCaptureMode string
	botWriteMode   string
	botWait        bool
	botRunID       string
	botLimit       int
	botOffset      int
)

var botRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a bot run (research or review) for a work item",
	RunE:  runBotRun,
}

var botStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active/recent runs for a work item",
	RunE:  runBotStatus,
}

var botRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs for a work item with pagination",
	RunE:  runBotRuns,
}

var botShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a single run by id",
	RunE:  runBotShow,
}

var botCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel an in-flight run",
	RunE:  runBotCancel,
}

var botResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a run from its last checkpoint after a restart",
	RunE:  runBotResume,
}

func init() {
	rootCmd.AddCommand(botCmd)
	botCmd.AddCommand(botRunCmd, botStatusCmd, botRunsCmd, botShowCmd, botCancelCmd, botResumeCmd)

	botRunCmd.Flags().StringVar(&botWorkItemID, "id", "", "work item id (required)")
	botRunCmd.Flags().StringVar(&botKind, "kind", "research", "run kind: research or review")
	botRunCmd.Flags().StringVar(&botCaptureMode, "capture", "prompts_only", "capture mode: prompts_only or full_io")
	botRunCmd.Flags().StringVar(&botWriteMode, "write-mode", "none", "write mode: none or worktree")
	botRunCmd.Flags().BoolVar(&botWait, "wait", false, "block until the run reaches a terminal state")
	_ = botRunCmd.MarkFlagRequired("id")

	botStatusCmd.Flags().StringVar(&botWorkItemID, "id", "", "work item id (required)")
	botStatusCmd.Flags().StringVar(&botKind, "kind", "", "filter by run kind")
	_ = botStatusCmd.MarkFlagRequired("id")

	botRunsCmd.Flags().StringVar(&botWorkItemID, "id", "", "work item id (required)")
	botRunsCmd.Flags().IntVar(&botLimit, "limit", 10, "maximum runs to return")
	botRunsCmd.Flags().IntVar(&botOffset, "offset", 0, "pagination offset")
	_ = botRunsCmd.MarkFlagRequired("id")

	botShowCmd.Flags().StringVar(&botRunID, "run-id", "", "run id (required)")
	_ = botShowCmd.MarkFlagRequired("run-id")

	botCancelCmd.Flags().StringVar(&botWorkItemID, "id", "", "work item id (required)")
	botCancelCmd.Flags().StringVar(&botRunID, "run-id", "", "run id (required)")
	_ = botCancelCmd.MarkFlagRequired("id")
	_ = botCancelCmd.MarkFlagRequired("run-id")

	botResumeCmd.Flags().StringVar(&botRunID, "run-id", "", "run id (required)")
	_ = botResumeCmd.MarkFlagRequired("run-id")
}

func runBotRun(cmd *cobra.Command, _ []string) error {
	ws, err := currentWorkspace()
	if err != nil {
		return err
	}
	client, err := dialIPC(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	params := ipc.BotRunParams{
		WorkspacePath: ws,
		WorkItemID:    botWorkItemID,
		Kind:          botKind,
		CaptureMode:   botCaptureMode,
		WriteMode:     botWriteMode,
		Subscribe:     botWait,
	}

	var result ipc.BotRunResult
	if err := client.callJSON("bot.run", params, &result); err != nil {
		return exitErr(exitCodeForRPCError(err), err)
	}

	if botWait && !isTerminalStatus(result.Status) {
		var term ipc.BotTerminalParams
		if err := client.waitNotification("bot.terminal", &term); err != nil {
			return exitErr(ExitInfra, err)
		}
		result.Status = term.Status
		result.ExitCode = term.ExitCode
		result.Summary = term.Summary
		result.ArtifactURIs = term.ArtifactURIs
	}

	printBotRunResult(cmd, result)
	if botWait {
		return exitErr(exitCodeForRunStatus(result.Status), fmt.Errorf("run %s", result.Status))
	}
	return nil
}

func isTerminalStatus(status string) bool {
	switch status {
	case "succeeded", "failed", "blocked", "cancelled", "needs_attention":
		return true
	default:
		return false
	}
}

func runBotStatus(cmd *cobra.Command, _ []string) error {
	ws, err := currentWorkspace()
	if err != nil {
		return err
	}
	client, err := dialIPC(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	params := ipc.BotStatusParams{WorkspacePath: ws, WorkItemID: botWorkItemID}
	if botKind != "" {
		params.Kind = &botKind
	}

	var result ipc.BotRunsResult
	if err := client.callJSON("bot.status", params, &result); err != nil {
		return exitErr(exitCodeForRPCError(err), err)
	}
	printBotRunTable(cmd, result.Runs)
	return nil
}

func runBotRuns(cmd *cobra.Command, _ []string) error {
	ws, err := currentWorkspace()
	if err != nil {
		return err
	}
	client, err := dialIPC(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	params := ipc.BotRunsParams{WorkspacePath: ws, WorkItemID: botWorkItemID, Limit: botLimit, Offset: botOffset}
	var result ipc.BotRunsResult
	if err := client.callJSON("bot.runs", params, &result); err != nil {
		return exitErr(exitCodeForRPCError(err), err)
	}

	if jsonOutput {
		return printJSON(cmd, result)
	}
	printBotRunTable(cmd, result.Runs)
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d runs\n", len(result.Runs), result.Total)
	return nil
}

func runBotShow(cmd *cobra.Command, _ []string) error {
	client, err := dialIPC(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	var result ipc.BotRunResult
	if err := client.callJSON("bot.show", ipc.BotShowParams{RunID: botRunID}, &result); err != nil {
		return exitErr(exitCodeForRPCError(err), err)
	}
	printBotRunResult(cmd, result)
	return nil
}

func runBotCancel(cmd *cobra.Command, _ []string) error {
	ws, err := currentWorkspace()
	if err != nil {
		return err
	}
	client, err := dialIPC(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	params := ipc.BotCancelParams{WorkspacePath: ws, WorkItemID: botWorkItemID, RunID: botRunID}
	var result ipc.BotRunResult
	if err := client.callJSON("bot.cancel", params, &result); err != nil {
		return exitErr(exitCodeForRPCError(err), err)
	}
	printBotRunResult(cmd, result)
	return nil
}

func runBotResume(cmd *cobra.Command, _ []string) error {
	ws, err := currentWorkspace()
	if err != nil {
		return err
	}
	client, err := dialIPC(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	params := ipc.BotResumeParams{WorkspacePath: ws, RunID: botRunID}
	var result ipc.BotRunResult
	if err := client.callJSON("bot.resume", params, &result); err != nil {
		return exitErr(exitCodeForRPCError(err), err)
	}
	printBotRunResult(cmd, result)
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBotRunResult(cmd *cobra.Command, r ipc.BotRunResult) {
	if jsonOutput {
		_ = printJSON(cmd, r)
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run:     %s\n", r.RunID)
	fmt.Fprintf(out, "status:  %s\n", r.Status)
	if r.Summary != "" {
		fmt.Fprintf(out, "summary: %s\n", r.Summary)
	}
	for _, uri := range r.ArtifactURIs {
		fmt.Fprintf(out, "artifact: %s\n", uri)
	}
}

func printBotRunTable(cmd *cobra.Command, runs []ipc.BotRunResult) {
	if jsonOutput {
		_ = printJSON(cmd, runs)
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tSUMMARY")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.RunID, r.Status, r.Summary)
	}
	w.Flush()
}
