// Package tier2 implements Tier-2 synthesis (component C10): prompt
// assembly, response parsing, and fallback construction for the "Divine
// Truth" brief, transliterated from original_source's stage0/src/tier2.rs.
package tier2

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CausalLinkSuggestion is one suggested causal edge between two memories,
// parsed out of a Divine Truth response's Section 6.
type CausalLinkSuggestion struct {
	FromID     string  `json:"from_id"`
	ToID       string  `json:"to_id"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

var validRelTypes = map[string]bool{
	"causes": true, "solves": true, "contradicts": true, "expands": true, "supersedes": true,
}

// IsValidRelType reports whether Type is one of the known causal-link kinds.
func (l CausalLinkSuggestion) IsValidRelType() bool {
	return validRelTypes[l.Type]
}

// ConstitutionAlignment is the parsed Section 2 of a Divine Truth response.
type ConstitutionAlignment struct {
	AlignedIDs   []string
	ConflictsRaw string
}

// DivineTruth is the parsed 6-section Tier-2 synthesis response.
type DivineTruth struct {
	ExecutiveSummary       string
	ConstitutionAlignment  ConstitutionAlignment
	ArchitecturalGuardrails string
	HistoricalContext      string
	RisksAndQuestions      string
	SuggestedLinks         []CausalLinkSuggestion
	RawMarkdown            string
}

// IsFallback reports whether this DivineTruth was built by BuildFallback
// rather than parsed from a real Tier-2 response.
func (d DivineTruth) IsFallback() bool {
	return strings.Contains(d.RawMarkdown, "(Fallback)") ||
		strings.Contains(d.RawMarkdown, "Tier2 unavailable") ||
		strings.Contains(d.RawMarkdown, "Tier 2 unavailable")
}

// Client synthesizes a Divine Truth brief from a spec and task brief. The
// concrete implementation (an MCP call, an HTTP client, whatever) lives
// outside this package; tier2 only builds prompts and parses responses.
type Client interface {
	GenerateDivineTruth(ctx context.Context, specID, specContent, taskBriefMD string) (string, error)
}

const maxQueryChars = 1800
const templateOverhead = 400

// BuildPrompt assembles the bounded-length "Shadow Staff Engineer" prompt,
// truncating specContent so the whole query stays under maxQueryChars.
func BuildPrompt(specID, specContent, taskBriefMD string) string {
	maxSpecChars := maxQueryChars - templateOverhead
	if maxSpecChars < 0 {
		maxSpecChars = 0
	}

	specTruncated := specContent
	if len(specContent) > maxSpecChars {
		cut := maxSpecChars - 50
		if cut < 0 {
			cut = 0
		}
		runes := []rune(specContent)
		if cut > len(runes) {
			cut = len(runes)
		}
		specTruncated = string(runes[:cut]) + "...[truncated]"
	}

	return fmt.Sprintf(`Analyze %s for this project.

SPEC:
%s

Using your sources (Architecture Bible, Bug Retros, Project Diary), provide a Divine Truth
brief with these sections:
## 1. Executive Summary
## 2. Constitution Alignment
**Aligned with:** <comma-separated principle/guardrail IDs>
**Potential conflicts:** <markdown, or "None identified.">
## 3. Architectural Guardrails
## 4. Historical Context & Lessons
## 5. Risks & Open Questions
## 6. Suggested Causal Links
`+"```"+`json
[{"from_id":"...","to_id":"...","type":"causes|solves|contradicts|expands|supersedes","confidence":0.0,"reasoning":"..."}]
`+"```"+`

Keep response under 1000 words. Reference specific source documents.`, specID, specTruncated)
}

// ParseDivineTruth parses a raw Divine Truth response into its structured
// sections.
func ParseDivineTruth(response string) DivineTruth {
	sections := extractSectionsByHeader(response)

	dt := DivineTruth{
		ExecutiveSummary:        sections["1. Executive Summary"],
		ArchitecturalGuardrails: sections["3. Architectural Guardrails"],
		HistoricalContext:       sections["4. Historical Context & Lessons"],
		RisksAndQuestions:       sections["5. Risks & Open Questions"],
		RawMarkdown:             response,
	}
	if s, ok := sections["2. Constitution Alignment"]; ok {
		dt.ConstitutionAlignment = parseConstitutionAlignment(s)
	}
	dt.SuggestedLinks = extractCausalLinks(sections["6. Suggested Causal Links"])
	return dt
}

func parseConstitutionAlignment(section string) ConstitutionAlignment {
	var alignment ConstitutionAlignment

	for _, line := range strings.Split(section, "\n") {
		trimmed := strings.TrimSpace(line)
		var afterLabel string
		switch {
		case strings.HasPrefix(trimmed, "**Aligned with:**"):
			afterLabel = strings.TrimSpace(strings.TrimPrefix(trimmed, "**Aligned with:**"))
		case strings.HasPrefix(trimmed, "Aligned with:"):
			afterLabel = strings.TrimSpace(strings.TrimPrefix(trimmed, "Aligned with:"))
		default:
			continue
		}
		for _, part := range strings.Split(afterLabel, ",") {
			part = strings.TrimSpace(part)
			fields := strings.Fields(part)
			if len(fields) == 0 {
				continue
			}
			id := strings.TrimFunc(fields[0], func(r rune) bool {
				return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
			})
			if id != "" {
				alignment.AlignedIDs = append(alignment.AlignedIDs, id)
			}
		}
	}

	const marker = "**Potential conflicts:**"
	if idx := strings.Index(section, marker); idx >= 0 {
		after := section[idx+len(marker):]
		if end := strings.Index(after, "**"); end >= 0 {
			after = after[:end]
		}
		conflicts := strings.TrimSpace(after)
		if conflicts != "" && conflicts != "None identified." {
			alignment.ConflictsRaw = conflicts
		}
	}

	return alignment
}

func extractSectionsByHeader(md string) map[string]string {
	sections := make(map[string]string)
	var currentName string
	var currentContent strings.Builder
	haveSection := false

	flush := func() {
		if haveSection {
			sections[currentName] = strings.TrimSpace(currentContent.String())
		}
	}

	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			currentName = strings.TrimSpace(strings.TrimLeft(line, "#"))
			currentContent.Reset()
			haveSection = true
			continue
		}
		if haveSection {
			currentContent.WriteString(line)
			currentContent.WriteString("\n")
		}
	}
	flush()
	return sections
}

func extractCausalLinks(section string) []CausalLinkSuggestion {
	jsonStr := extractFencedJSON(section)
	if jsonStr == "" {
		jsonStr = strings.TrimSpace(section)
	}
	if jsonStr == "" {
		return nil
	}

	var links []CausalLinkSuggestion
	if err := json.Unmarshal([]byte(jsonStr), &links); err != nil {
		return nil
	}

	filtered := make([]CausalLinkSuggestion, 0, len(links))
	for _, l := range links {
		if !l.IsValidRelType() {
			continue
		}
		if l.Confidence < 0 {
			l.Confidence = 0
		} else if l.Confidence > 1 {
			l.Confidence = 1
		}
		filtered = append(filtered, l)
	}
	return filtered
}

func extractFencedJSON(section string) string {
	const jsonFence = "```json"
	if start := strings.Index(section, jsonFence); start >= 0 {
		rest := section[start+len(jsonFence):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	const bareFence = "```"
	if start := strings.Index(section, bareFence); start >= 0 {
		rest := section[start+len(bareFence):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	return ""
}

// ValidateCausalLinks filters links to those whose endpoints both appear in
// validMemoryIDs, used before persisting suggestions as overlay dependencies.
func ValidateCausalLinks(links []CausalLinkSuggestion, validMemoryIDs map[string]bool) []CausalLinkSuggestion {
	out := make([]CausalLinkSuggestion, 0, len(links))
	for _, l := range links {
		if validMemoryIDs[l.FromID] && validMemoryIDs[l.ToID] {
			out = append(out, l)
		}
	}
	return out
}

// BuildFallback constructs a Tier1-only Divine Truth brief, explicitly
// marked "(Fallback)", for use when Tier2 is unavailable.
func BuildFallback(specID, specContent, taskBriefMD string) DivineTruth {
	var b strings.Builder

	fmt.Fprintf(&b, "# Divine Truth Brief (Fallback): %s\n\n", specID)
	b.WriteString("## 1. Executive Summary\n\n")
	b.WriteString("- Tier2 synthesis was unavailable. This brief is generated from local context only.\n")
	b.WriteString("- See the task brief for detailed context from local memory.\n")
	b.WriteString("- Spec overview:\n")

	lines := strings.Split(specContent, "\n")
	count := 0
	for _, line := range lines {
		if count >= 3 {
			break
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fmt.Fprintf(&b, "  - %s\n", trimmed)
		count++
	}

	b.WriteString("\n## 2. Constitution Alignment\n\n")
	b.WriteString("**Aligned with:** _Unable to analyze (Tier2 unavailable)_\n\n")
	b.WriteString("**Potential conflicts:** _Unable to analyze (Tier2 unavailable)_\n")

	b.WriteString("\n## 3. Architectural Guardrails\n\n")
	b.WriteString("- See the task brief for relevant memories and historical decisions.\n")
	b.WriteString("- Architectural analysis requires Tier2 access.\n")

	b.WriteString("\n## 4. Historical Context & Lessons\n\n")
	b.WriteString("- Historical analysis requires Tier2 access.\n")

	b.WriteString("\n## 5. Risks & Open Questions\n\n")
	b.WriteString("- Risk analysis requires Tier2 access.\n")

	b.WriteString("\n## 6. Suggested Causal Links\n\n```json\n[]\n```\n")
	b.WriteString("_Causal link suggestions require Tier2 access._\n")

	return DivineTruth{
		ExecutiveSummary:        "Tier2 unavailable. See the task brief for local context.",
		ArchitecturalGuardrails: "Tier2 unavailable.",
		HistoricalContext:       "Tier2 unavailable.",
		RisksAndQuestions:       "Tier2 unavailable.",
		RawMarkdown:             b.String(),
	}
}

// Synthesize calls client to generate a Divine Truth brief, falling back to
// a Tier1-only stub if the client errors.
func Synthesize(ctx context.Context, client Client, specID, specContent, taskBriefMD string) DivineTruth {
	if client == nil {
		return BuildFallback(specID, specContent, taskBriefMD)
	}
	raw, err := client.GenerateDivineTruth(ctx, specID, specContent, taskBriefMD)
	if err != nil {
		return BuildFallback(specID, specContent, taskBriefMD)
	}
	return ParseDivineTruth(raw)
}
