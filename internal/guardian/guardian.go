// Package guardian implements the Stage-0 metadata and template guardians
// (component C3), transliterated from original_source's
// codex-rs/stage0/src/guardians.rs.
package guardian

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/overlay"
)

// MemoryKind is the kind taxonomy for guarded memories.
type MemoryKind string

const (
	KindPattern  MemoryKind = "pattern"
	KindDecision MemoryKind = "decision"
	KindProblem  MemoryKind = "problem"
	KindInsight  MemoryKind = "insight"
	KindOther    MemoryKind = "other"
)

// ParseMemoryKind parses a free-form string into a MemoryKind, defaulting to
// Other on no match (case-insensitive).
func ParseMemoryKind(s string) MemoryKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pattern":
		return KindPattern
	case "decision":
		return KindDecision
	case "problem":
		return KindProblem
	case "insight":
		return KindInsight
	default:
		return KindOther
	}
}

// AsTag returns the kind formatted as a tag (e.g. "kind:pattern").
func (k MemoryKind) AsTag() string {
	return "kind:" + string(k)
}

// AsLabel returns the kind formatted as an uppercase bracketed label (e.g.
// "[PATTERN]"), used by the template guardian's canonical template.
func (k MemoryKind) AsLabel() string {
	return "[" + strings.ToUpper(string(k)) + "]"
}

// MemoryDraft is raw, unguarded input to the pipeline.
type MemoryDraft struct {
	RawContent    string
	Tags          []string
	CreatedAt     *time.Time
	AgentTypeTag  string
	InitialPriority *int
}

// GuardedMemory is the output of the metadata guardian, ready for the
// template guardian and/or direct overlay storage.
type GuardedMemory struct {
	StructuredContent string
	RawContent        string
	Kind              MemoryKind
	CreatedAt         time.Time
	AgentTypeTag      string
	Priority          int
	Tags              []string
}

// AllTags returns the draft tag set merged with the kind tag and agent-type
// tag, deduplicated.
func (g GuardedMemory) AllTags() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, t := range g.Tags {
		add(t)
	}
	add(g.Kind.AsTag())
	add(g.AgentTypeTag)
	sort.Strings(out)
	return out
}

// MetadataConfig controls strictness of the metadata guardian.
type MetadataConfig struct {
	StrictMetadata bool
}

// ApplyMetadataGuardian validates and defaults a draft's metadata, returning
// a GuardedMemory with Kind defaulted to Other (the template guardian
// assigns the real kind later) and priority clamped to [1,10].
func ApplyMetadataGuardian(cfg MetadataConfig, draft MemoryDraft, now time.Time) (GuardedMemory, error) {
	createdAt := now
	if draft.CreatedAt != nil {
		createdAt = *draft.CreatedAt
	} else if cfg.StrictMetadata {
		return GuardedMemory{}, core.ErrValidation("MISSING_CREATED_AT",
			"strict_metadata requires an explicit created_at")
	}

	agentTag := draft.AgentTypeTag
	if agentTag == "" {
		agentTag = inferAgentTag(draft.Tags)
		if agentTag == "" && cfg.StrictMetadata {
			return GuardedMemory{}, core.ErrValidation("MISSING_AGENT_TAG",
				"strict_metadata requires an explicit agent-type tag")
		}
		if agentTag == "" {
			agentTag = "agent:unknown"
		}
	}

	return GuardedMemory{
		RawContent:   draft.RawContent,
		Kind:         KindOther,
		CreatedAt:    createdAt,
		AgentTypeTag: agentTag,
		Priority:     overlay.ClampPriority(draft.InitialPriority),
		Tags:         append([]string(nil), draft.Tags...),
	}, nil
}

func inferAgentTag(tags []string) string {
	for _, t := range tags {
		if strings.HasPrefix(t, "agent:") {
			return t
		}
	}
	return ""
}

// LLMClassifier classifies raw memory content into a MemoryKind. A real
// implementation is satisfied by whichever LLM vendor client the caller
// wires in; this system names the capability only (SPEC_FULL.md §6).
type LLMClassifier interface {
	ClassifyKind(ctx context.Context, content string) (MemoryKind, error)
}

// LLMRestructurer restructures raw memory content into the canonical
// four-section template.
type LLMRestructurer interface {
	RestructureTemplate(ctx context.Context, kind MemoryKind, content string) (string, error)
}

// TemplateGuardianResult is the output of the template guardian, including
// any non-fatal warnings (e.g. malformed first line).
type TemplateGuardianResult struct {
	Memory   GuardedMemory
	Warnings []string
}

const templateSkeleton = "%s: %s\n\nCONTEXT:\n\nREASONING:\n\nOUTCOME:"

// ApplyTemplateGuardian classifies the memory's kind via classifier and
// restructures its content via restructurer. Both calls degrade gracefully:
// classification failure defaults to Other, restructuring failure falls back
// to a wrapper template around the raw content.
func ApplyTemplateGuardian(ctx context.Context, classifier LLMClassifier, restructurer LLMRestructurer, mem GuardedMemory) TemplateGuardianResult {
	kind := KindOther
	if classifier != nil {
		if k, err := classifier.ClassifyKind(ctx, mem.RawContent); err == nil {
			kind = k
		}
	}
	mem.Kind = kind

	var warnings []string
	structured := ""
	if restructurer != nil {
		if out, err := restructurer.RestructureTemplate(ctx, kind, mem.RawContent); err == nil {
			structured = out
		}
	}
	if structured == "" {
		summary := firstLine(mem.RawContent)
		structured = fmt.Sprintf(templateSkeleton, kind.AsLabel(), summary)
		warnings = append(warnings, "restructuring failed: fell back to wrapper template")
	}

	if !strings.HasPrefix(structured, "[") {
		warnings = append(warnings, "structured content does not start with a kind label")
	}

	mem.StructuredContent = structured
	return TemplateGuardianResult{Memory: mem, Warnings: warnings}
}

// ApplyTemplateGuardianPassthrough skips the LLM entirely and wraps the raw
// content as an [OTHER] memory, for callers that have no classifier wired.
func ApplyTemplateGuardianPassthrough(mem GuardedMemory) TemplateGuardianResult {
	mem.Kind = KindOther
	mem.StructuredContent = fmt.Sprintf("[OTHER]: Unstructured memory\n\nCONTEXT:\n\n%s\n\nREASONING:\n\nOUTCOME:", mem.RawContent)
	return TemplateGuardianResult{Memory: mem}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	if len(s) > 80 {
		return s[:80]
	}
	return s
}
