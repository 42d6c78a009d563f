package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/pmconfig"
)

func testConfig() *pmconfig.PipelineConfig {
	l := pmconfig.NewLoader("", "", "")
	cfg, err := l.Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestCheckPrerequisitesStrictBlocksMissingHardDep(t *testing.T) {
	o := NewOrchestrator(testConfig(), nil, nil, nil)
	_, err := o.CheckPrerequisites(Tasks, map[Name]bool{}, true)
	require.Error(t, err)
}

func TestCheckPrerequisitesLenientWarnsOnly(t *testing.T) {
	o := NewOrchestrator(testConfig(), nil, nil, nil)
	warnings, err := o.CheckPrerequisites(Tasks, map[Name]bool{}, false)
	require.NoError(t, err)
	assert.NotEmpty(t, warnings)
}

func TestCheckPrerequisitesSatisfiedHasNoWarnings(t *testing.T) {
	o := NewOrchestrator(testConfig(), nil, nil, nil)
	warnings, err := o.CheckPrerequisites(Tasks, map[Name]bool{Plan: true}, true)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestRouteStageEscalatesOnRetryAfterConflict(t *testing.T) {
	d := RouteStage(Plan, testConfig(), 10, true, true, false, false, 0, "", 10)
	assert.Equal(t, EffortHigh, d.Effort)
}

func TestRouteStageFlagsLargeInputContext(t *testing.T) {
	d := RouteStage(Plan, testConfig(), largeInputContextThreshold, false, true, false, false, 0, "", 10)
	assert.True(t, d.LargeInputContext)
}

func TestRouteStageEnhancedACEOnCrossCuttingTitle(t *testing.T) {
	d := RouteStage(Implement, testConfig(), 10, false, true, false, false, 0, "Refactor the auth module", 100)
	assert.True(t, d.EnhancedACEContext)
}

func TestRouteStageNoEnhancedACEWhenDisabled(t *testing.T) {
	d := RouteStage(Implement, testConfig(), 10, false, false, true, true, 1000, "cross-cutting rename", 100)
	assert.False(t, d.EnhancedACEContext)
}

func TestFingerprintStableForSameInputs(t *testing.T) {
	a := Fingerprint("Implement", "main", "Some Text", []string{"b.go", "a.go"})
	b := Fingerprint("implement", "main", "some   text", []string{"a.go", "b.go"})
	assert.Equal(t, a, b)
}

func TestFingerprintDiffersOnBranch(t *testing.T) {
	a := Fingerprint("implement", "main", "text", nil)
	b := Fingerprint("implement", "feature", "text", nil)
	assert.NotEqual(t, a, b)
}

func TestRerunCacheDetectsRepeat(t *testing.T) {
	c := NewRerunCache()
	fp := Fingerprint("implement", "main", "text", nil)
	assert.False(t, c.SeenBefore("main", fp))
	assert.True(t, c.SeenBefore("main", fp))
}

func TestRerunCacheEvictsOnOverflow(t *testing.T) {
	c := NewRerunCache()
	for i := 0; i < 150; i++ {
		fp := Fingerprint("implement", "main", string(rune(i)), nil)
		c.SeenBefore("main", fp)
	}
	c.mu.Lock()
	size := len(c.perBranch["main"])
	c.mu.Unlock()
	assert.LessOrEqual(t, size, c.capacity)
}

type stubAgent struct {
	output string
	err    error
}

func (s stubAgent) Run(ctx context.Context, name Name, effort Effort, prompt string) (string, error) {
	return s.output, s.err
}

func TestRunStageFansOutToAllAgents(t *testing.T) {
	bus := events.New(16)
	o := NewOrchestrator(testConfig(), bus, nil, map[string]Agent{
		"claude": stubAgent{output: `{"stage":"implement","ok":true}`},
		"gemini": stubAgent{output: `{"stage":"implement","ok":true}`},
	})
	outputs, err := o.RunStage(context.Background(), Implement, EffortMedium, "prompt", "/ws")
	require.NoError(t, err)
	assert.Len(t, outputs, 2)
	assert.Equal(t, StateDone, o.State())
}

func TestRunStageRejectsAfterCancel(t *testing.T) {
	o := NewOrchestrator(testConfig(), nil, nil, map[string]Agent{
		"claude": stubAgent{output: `{}`},
	})
	o.Cancel()
	_, err := o.RunStage(context.Background(), Implement, EffortMedium, "prompt", "/ws")
	require.Error(t, err)
}

func TestRunQualityGateAutoResolvesLowSeverity(t *testing.T) {
	o := NewOrchestrator(testConfig(), nil, nil, nil)
	result, err := o.RunQualityGate(context.Background(), Checklist, []QualityIssue{
		{Severity: "low", Stage: Checklist, Message: "minor nit"},
	})
	require.NoError(t, err)
	assert.Len(t, result.Resolved, 1)
	assert.Empty(t, result.Escalated)
}

func TestRunQualityGateSkippedWhenGatesDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.QualityGatesOn = false
	o := NewOrchestrator(cfg, nil, nil, nil)
	issues := []QualityIssue{{Severity: "high", Stage: Audit, Message: "needs review"}}
	result, err := o.RunQualityGate(context.Background(), Audit, issues)
	require.NoError(t, err)
	assert.Equal(t, issues, result.Escalated)
	assert.Empty(t, result.Resolved)
}
