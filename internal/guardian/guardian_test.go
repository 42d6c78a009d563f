package guardian

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryKindAndTag(t *testing.T) {
	assert.Equal(t, KindPattern, ParseMemoryKind("Pattern"))
	assert.Equal(t, KindOther, ParseMemoryKind("nonsense"))
	assert.Equal(t, "kind:decision", KindDecision.AsTag())
	assert.Equal(t, "[INSIGHT]", KindInsight.AsLabel())
}

func TestApplyMetadataGuardianLenientDefaults(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	draft := MemoryDraft{RawContent: "noticed a pattern", Tags: []string{"x"}}

	mem, err := ApplyMetadataGuardian(MetadataConfig{StrictMetadata: false}, draft, now)
	require.NoError(t, err)
	assert.Equal(t, now, mem.CreatedAt)
	assert.Equal(t, "agent:unknown", mem.AgentTypeTag)
	assert.Equal(t, 7, mem.Priority)
}

func TestApplyMetadataGuardianStrictRequiresCreatedAt(t *testing.T) {
	draft := MemoryDraft{RawContent: "x"}
	_, err := ApplyMetadataGuardian(MetadataConfig{StrictMetadata: true}, draft, time.Now())
	require.Error(t, err)
}

func TestApplyMetadataGuardianInfersAgentTagFromDraftTags(t *testing.T) {
	draft := MemoryDraft{RawContent: "x", Tags: []string{"agent:claude", "other"}}
	mem, err := ApplyMetadataGuardian(MetadataConfig{}, draft, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "agent:claude", mem.AgentTypeTag)
}

func TestPriorityClampingViaDraft(t *testing.T) {
	p := -5
	draft := MemoryDraft{RawContent: "x", InitialPriority: &p}
	mem, err := ApplyMetadataGuardian(MetadataConfig{}, draft, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Priority)
}

type mockClassifier struct {
	kind MemoryKind
	err  error
}

func (m mockClassifier) ClassifyKind(ctx context.Context, content string) (MemoryKind, error) {
	return m.kind, m.err
}

type mockRestructurer struct {
	out string
	err error
}

func (m mockRestructurer) RestructureTemplate(ctx context.Context, kind MemoryKind, content string) (string, error) {
	return m.out, m.err
}

func TestApplyTemplateGuardianSuccess(t *testing.T) {
	mem := GuardedMemory{RawContent: "we decided to use X"}
	result := ApplyTemplateGuardian(context.Background(),
		mockClassifier{kind: KindDecision},
		mockRestructurer{out: "[DECISION]: use X\n\nCONTEXT:\n\nREASONING:\n\nOUTCOME:"},
		mem)

	assert.Equal(t, KindDecision, result.Memory.Kind)
	assert.Contains(t, result.Memory.StructuredContent, "[DECISION]")
	assert.Empty(t, result.Warnings)
}

func TestApplyTemplateGuardianClassifyFailureDefaultsOther(t *testing.T) {
	mem := GuardedMemory{RawContent: "some content"}
	result := ApplyTemplateGuardian(context.Background(),
		mockClassifier{err: assertErr{}},
		mockRestructurer{out: "[OTHER]: some content\n\nCONTEXT:\n\nREASONING:\n\nOUTCOME:"},
		mem)

	assert.Equal(t, KindOther, result.Memory.Kind)
}

func TestApplyTemplateGuardianRestructureFailureFallsBack(t *testing.T) {
	mem := GuardedMemory{RawContent: "raw line one\nmore"}
	result := ApplyTemplateGuardian(context.Background(),
		mockClassifier{kind: KindProblem},
		mockRestructurer{err: assertErr{}},
		mem)

	assert.Contains(t, result.Memory.StructuredContent, "[PROBLEM]")
	assert.Contains(t, result.Warnings, "restructuring failed: fell back to wrapper template")
}

func TestApplyTemplateGuardianPassthrough(t *testing.T) {
	mem := GuardedMemory{RawContent: "plain note"}
	result := ApplyTemplateGuardianPassthrough(mem)
	assert.Equal(t, KindOther, result.Memory.Kind)
	assert.Contains(t, result.Memory.StructuredContent, "[OTHER]: Unstructured memory")
	assert.Contains(t, result.Memory.StructuredContent, "plain note")
}

func TestAllTagsMergesKindAndAgentTag(t *testing.T) {
	mem := GuardedMemory{Kind: KindInsight, AgentTypeTag: "agent:gemini", Tags: []string{"a", "agent:gemini"}}
	tags := mem.AllTags()
	assert.Contains(t, tags, "kind:insight")
	assert.Contains(t, tags, "agent:gemini")
	assert.Contains(t, tags, "a")

	count := 0
	for _, tag := range tags {
		if tag == "agent:gemini" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

type assertErr struct{}

func (assertErr) Error() string { return "mock failure" }
