package tier2

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDivineTruthMD = `# Divine Truth Brief: SPEC-KIT-102

## 1. Executive Summary

- This spec adds Tier2 as a synthesis layer.
- Provides architectural guidance from seeded knowledge.
- Results are cached in overlay DB.

## 2. Constitution Alignment

**Aligned with:** P1 (developer ergonomics), G2 (sandboxed ops)

**Potential conflicts:**
- Spec proposes direct file writes, but G2 requires sandboxing
- Mitigation: use a VFS abstraction layer

## 3. Architectural Guardrails

- Overlay pattern required: local-memory is closed-source.
- MCP-only access: use public MCP tools.
- Cache-first: always check cache before Tier2.

## 4. Historical Context & Lessons

- Prior daemon modification attempts failed.
- MCP integrations have been reliable.
- Rate limits are real and must be respected.

## 5. Risks & Open Questions

- Risk: Tier2 rate limits. Mitigation: aggressive caching.
- Risk: response format instability. Mitigation: robust parsing.
- Open question: single vs committee notebooks?

## 6. Suggested Causal Links

` + "```json" + `
[
  {
    "from_id": "mem-abc123",
    "to_id": "mem-def456",
    "type": "causes",
    "confidence": 0.85,
    "reasoning": "Overlay decision was made because modifying daemon failed"
  },
  {
    "from_id": "mem-ghi789",
    "to_id": "mem-abc123",
    "type": "expands",
    "confidence": 0.75,
    "reasoning": "MCP architecture decision informed overlay implementation"
  }
]
` + "```" + `
`

func TestParseDivineTruthExtractsSections(t *testing.T) {
	dt := ParseDivineTruth(sampleDivineTruthMD)
	assert.Contains(t, dt.ExecutiveSummary, "Tier2")
	assert.Contains(t, dt.ArchitecturalGuardrails, "Overlay pattern")
	assert.Contains(t, dt.HistoricalContext, "daemon modification")
	assert.Contains(t, dt.RisksAndQuestions, "rate limits")
	assert.NotEmpty(t, dt.RawMarkdown)
}

func TestParseDivineTruthExtractsConstitutionAlignment(t *testing.T) {
	dt := ParseDivineTruth(sampleDivineTruthMD)
	assert.Equal(t, []string{"P1", "G2"}, dt.ConstitutionAlignment.AlignedIDs)
	require.NotEmpty(t, dt.ConstitutionAlignment.ConflictsRaw)
	assert.Contains(t, dt.ConstitutionAlignment.ConflictsRaw, "direct file writes")
	assert.Contains(t, dt.ConstitutionAlignment.ConflictsRaw, "G2 requires sandboxing")
}

func TestParseDivineTruthExtractsLinks(t *testing.T) {
	dt := ParseDivineTruth(sampleDivineTruthMD)
	require.Len(t, dt.SuggestedLinks, 2)

	first := dt.SuggestedLinks[0]
	assert.Equal(t, "mem-abc123", first.FromID)
	assert.Equal(t, "mem-def456", first.ToID)
	assert.Equal(t, "causes", first.Type)
	assert.InDelta(t, 0.85, first.Confidence, 0.001)

	assert.Equal(t, "expands", dt.SuggestedLinks[1].Type)
}

func TestParseConstitutionAlignmentEmpty(t *testing.T) {
	alignment := parseConstitutionAlignment("No constitution defined in this project.")
	assert.Empty(t, alignment.AlignedIDs)
	assert.Empty(t, alignment.ConflictsRaw)
}

func TestParseConstitutionAlignmentNoConflicts(t *testing.T) {
	section := "\n**Aligned with:** P1, P2, G1\n\n**Potential conflicts:**\nNone identified.\n"
	alignment := parseConstitutionAlignment(section)
	assert.Equal(t, []string{"P1", "P2", "G1"}, alignment.AlignedIDs)
	assert.Empty(t, alignment.ConflictsRaw)
}

func TestParseConstitutionAlignmentWithDescriptions(t *testing.T) {
	section := "**Aligned with:** P1 (developer ergonomics), G2 (sandboxed ops), Goal1"
	alignment := parseConstitutionAlignment(section)
	assert.Equal(t, []string{"P1", "G2", "Goal1"}, alignment.AlignedIDs)
}

func TestExtractCausalLinksEmptyArray(t *testing.T) {
	links := extractCausalLinks("```json\n[]\n```")
	assert.Empty(t, links)
}

func TestExtractCausalLinksNoFence(t *testing.T) {
	section := `[{"from_id": "a", "to_id": "b", "type": "causes", "confidence": 0.5, "reasoning": "test"}]`
	links := extractCausalLinks(section)
	require.Len(t, links, 1)
}

func TestExtractCausalLinksFiltersInvalidType(t *testing.T) {
	section := "```json\n[\n" +
		`{"from_id": "a", "to_id": "b", "type": "invalid_type", "confidence": 0.5, "reasoning": "test"},` +
		`{"from_id": "c", "to_id": "d", "type": "causes", "confidence": 0.8, "reasoning": "valid"}` +
		"\n]\n```"
	links := extractCausalLinks(section)
	require.Len(t, links, 1)
	assert.Equal(t, "causes", links[0].Type)
}

func TestExtractCausalLinksClampsConfidence(t *testing.T) {
	section := "```json\n" +
		`[{"from_id": "a", "to_id": "b", "type": "causes", "confidence": 1.5, "reasoning": "over"}]` +
		"\n```"
	links := extractCausalLinks(section)
	require.Len(t, links, 1)
	assert.InDelta(t, 1.0, links[0].Confidence, 0.001)
}

func TestValidateCausalLinks(t *testing.T) {
	links := []CausalLinkSuggestion{
		{FromID: "mem-1", ToID: "mem-2", Type: "causes", Confidence: 0.9},
		{FromID: "mem-1", ToID: "mem-invalid", Type: "causes", Confidence: 0.9},
	}
	validIDs := map[string]bool{"mem-1": true, "mem-2": true}
	validated := ValidateCausalLinks(links, validIDs)
	require.Len(t, validated, 1)
	assert.Equal(t, "mem-2", validated[0].ToID)
}

func TestBuildPromptContainsRequiredSections(t *testing.T) {
	prompt := BuildPrompt("SPEC-TEST", "Test spec content", "Test brief")
	assert.Contains(t, prompt, "SPEC-TEST")
	assert.Contains(t, prompt, "Test spec content")
	assert.Contains(t, prompt, "Executive Summary")
	assert.Contains(t, prompt, "Constitution Alignment")
	assert.Contains(t, prompt, "Architectural Guardrails")
	assert.Contains(t, prompt, "Historical Context")
	assert.Contains(t, prompt, "Risks & Open Questions")
	assert.Contains(t, prompt, "Suggested Causal Links")
}

func TestBuildPromptTruncatesLongSpec(t *testing.T) {
	long := strings.Repeat("x", 5000)
	prompt := BuildPrompt("SPEC-TEST", long, "")
	assert.Less(t, len(prompt), len(long)+500)
	assert.Contains(t, prompt, "[truncated]")
}

func TestBuildFallbackDivineTruth(t *testing.T) {
	fallback := BuildFallback("SPEC-TEST", "# Test Spec\n\nThis is a test.", "Task brief content")
	assert.True(t, fallback.IsFallback())
	assert.Contains(t, fallback.RawMarkdown, "Fallback")
	assert.Contains(t, fallback.RawMarkdown, "SPEC-TEST")
	assert.Empty(t, fallback.SuggestedLinks)
	assert.Contains(t, fallback.ExecutiveSummary, "Tier2 unavailable")
}

func TestDivineTruthIsFallback(t *testing.T) {
	normal := DivineTruth{RawMarkdown: "# Divine Truth Brief: SPEC-1"}
	assert.False(t, normal.IsFallback())

	fallback := DivineTruth{RawMarkdown: "# Divine Truth Brief (Fallback): SPEC-1"}
	assert.True(t, fallback.IsFallback())
}

func TestCausalLinkIsValidRelType(t *testing.T) {
	for _, rt := range []string{"causes", "solves", "contradicts", "expands", "supersedes"} {
		l := CausalLinkSuggestion{FromID: "a", ToID: "b", Type: rt, Confidence: 0.5}
		assert.True(t, l.IsValidRelType(), "type %q should be valid", rt)
	}
	invalid := CausalLinkSuggestion{FromID: "a", ToID: "b", Type: "unknown", Confidence: 0.5}
	assert.False(t, invalid.IsValidRelType())
}

type stubClient struct {
	response string
	err      error
}

func (s stubClient) GenerateDivineTruth(ctx context.Context, specID, specContent, taskBriefMD string) (string, error) {
	return s.response, s.err
}

func TestSynthesizeReturnsFallbackWhenClientErrors(t *testing.T) {
	dt := Synthesize(context.Background(), stubClient{err: errors.New("rate limited")}, "SPEC-TEST", "content", "brief")
	assert.True(t, dt.IsFallback())
}

func TestSynthesizeReturnsFallbackWhenClientNil(t *testing.T) {
	dt := Synthesize(context.Background(), nil, "SPEC-TEST", "content", "brief")
	assert.True(t, dt.IsFallback())
}

func TestSynthesizeParsesSuccessfulResponse(t *testing.T) {
	dt := Synthesize(context.Background(), stubClient{response: sampleDivineTruthMD}, "SPEC-KIT-102", "content", "brief")
	assert.False(t, dt.IsFallback())
	require.Len(t, dt.SuggestedLinks, 2)
}
