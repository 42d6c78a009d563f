package events

// BotTerminalEvent is published by the bot-run manager (C5) on the event bus
// whenever a run reaches a terminal state. It embeds BaseEvent so it
// satisfies the Event interface and flows through the same pub/sub
// infrastructure as workflow events.
type BotTerminalEvent struct {
	BaseEvent
	RunID        string   `json:"run_id"`
	Status       string   `json:"status"`
	ExitCode     int      `json:"exit_code"`
	Summary      string   `json:"summary"`
	ArtifactURIs []string `json:"artifact_uris"`
}

// BotTerminalEventType is the EventType() value for BotTerminalEvent.
const BotTerminalEventType = "bot.terminal"

// NewBotTerminalEvent builds a BotTerminalEvent. projectID maps to the
// workspace path so subscribers can filter by workspace, matching the
// event bus's existing project-filtering idiom.
func NewBotTerminalEvent(runID, workspacePath, status string, exitCode int, summary string, artifactURIs []string) BotTerminalEvent {
	return BotTerminalEvent{
		BaseEvent:    NewBaseEvent(BotTerminalEventType, runID, workspacePath),
		RunID:        runID,
		Status:       status,
		ExitCode:     exitCode,
		Summary:      summary,
		ArtifactURIs: artifactURIs,
	}
}
