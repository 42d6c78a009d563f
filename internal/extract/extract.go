// Package extract implements the robust JSON-extraction cascade (component
// C8), transliterated from original_source's
// codex-rs/tui/src/chatwidget/spec_kit/json_extractor.rs. It recovers
// structured JSON output from noisy LLM text via a 4-strategy cascade.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// ExtractionMethod identifies which cascade strategy succeeded.
type ExtractionMethod string

const (
	MethodDirectParse   ExtractionMethod = "direct_parse"
	MethodMarkdownFence ExtractionMethod = "markdown_fence"
	MethodDepthTracking ExtractionMethod = "depth_tracking"
	MethodSchemaMarker  ExtractionMethod = "schema_marker"
)

func (m ExtractionMethod) confidence() float64 {
	switch m {
	case MethodDirectParse:
		return 0.95
	case MethodMarkdownFence:
		return 0.90
	case MethodDepthTracking:
		return 0.85
	case MethodSchemaMarker:
		return 0.80
	default:
		return 0
	}
}

// Result is a successful extraction.
type Result struct {
	JSON       json.RawMessage
	Confidence float64
	Method     ExtractionMethod
	Warnings   []string
}

var (
	fenceRe       = regexp.MustCompile("(?is)```\\s*json\\s*\\n(.*?)```")
	footerRe      = regexp.MustCompile(`(?s)\[[^\]]*\]\s*tokens used:.*$`)
	stageMarkerRe = regexp.MustCompile(`"stage"`)
)

const codexWrapperMarker = "] codex"

// stripCodexWrapper removes the agent-specific header/footer noise that
// wraps raw JSON output (SPEC_FULL.md §4.8 step 1).
func stripCodexWrapper(content string) string {
	out := content
	if idx := strings.LastIndex(out, codexWrapperMarker); idx >= 0 {
		out = out[idx+len(codexWrapperMarker):]
	}
	out = footerRe.ReplaceAllString(out, "")
	if idx := strings.Index(strings.ToLower(out), "thinking:"); idx >= 0 {
		// Drop a trailing "thinking" section entirely when one follows the
		// payload; keep everything before it.
		tail := out[idx:]
		if !strings.Contains(tail, "{") {
			out = out[:idx]
		}
	}
	return strings.TrimSpace(out)
}

// ExtractJSONRobust runs the 4-strategy cascade against content, returning
// the first successful extraction.
func ExtractJSONRobust(content string) (*Result, error) {
	cleaned := stripCodexWrapper(content)

	if raw, ok := tryDirectParse(cleaned); ok {
		return &Result{JSON: raw, Confidence: MethodDirectParse.confidence(), Method: MethodDirectParse}, nil
	}

	if raw, ok := tryMarkdownFence(cleaned); ok {
		return &Result{JSON: raw, Confidence: MethodMarkdownFence.confidence(), Method: MethodMarkdownFence}, nil
	}

	if raw, ok := tryDepthAwareRegion(cleaned); ok {
		return &Result{JSON: raw, Confidence: MethodDepthTracking.confidence(), Method: MethodDepthTracking}, nil
	}

	if raw, ok := tryBySchemaMarker(cleaned, "stage"); ok {
		return &Result{JSON: raw, Confidence: MethodSchemaMarker.confidence(), Method: MethodSchemaMarker}, nil
	}

	return nil, core.ErrValidation("NO_JSON_FOUND", "no strategy could extract a JSON object from the content")
}

func tryDirectParse(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !json.Valid([]byte(s)) {
		return nil, false
	}
	return json.RawMessage(s), true
}

func tryMarkdownFence(s string) (json.RawMessage, bool) {
	matches := fenceRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil, false
	}
	// Last fence wins.
	for i := len(matches) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(matches[i][1])
		if !json.Valid([]byte(candidate)) {
			continue
		}
		if isSchemaTemplate(candidate) {
			continue
		}
		return json.RawMessage(candidate), true
	}
	return nil, false
}

func tryDepthAwareRegion(s string) (json.RawMessage, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, false
	}
	end, ok := matchBrace(s, start)
	if !ok {
		return nil, false
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}

// matchBrace walks forward from a '{' at idx, tracking string/escape state,
// and returns the index of its matching '}'.
func matchBrace(s string, idx int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := idx; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func tryBySchemaMarker(s, field string) (json.RawMessage, bool) {
	marker := `"` + field + `"`
	positions := allIndexes(s, marker)
	for i := len(positions) - 1; i >= 0; i-- {
		pos := positions[i]
		windowStart := pos - 10240
		if windowStart < 0 {
			windowStart = 0
		}
		braceStart := strings.LastIndexByte(s[windowStart:pos], '{')
		if braceStart < 0 {
			continue
		}
		braceStart += windowStart
		end, ok := matchBrace(s, braceStart)
		if !ok {
			continue
		}
		candidate := s[braceStart : end+1]
		if strings.Contains(candidate, "${") {
			continue
		}
		if isSchemaTemplate(candidate) {
			continue
		}
		if !json.Valid([]byte(candidate)) {
			continue
		}
		return json.RawMessage(candidate), true
	}
	return nil, false
}

func allIndexes(s, substr string) []int {
	var out []int
	offset := 0
	for {
		idx := strings.Index(s[offset:], substr)
		if idx < 0 {
			break
		}
		out = append(out, offset+idx)
		offset += idx + len(substr)
	}
	return out
}

var typeAnnotationRe = regexp.MustCompile(`:\s*(string|number|boolean|integer|array)\b`)

// isSchemaTemplate detects JSON-like text that describes a schema rather
// than an instance (type annotations, placeholders, example/instruction
// markers) unless it carries real issue IDs.
func isSchemaTemplate(s string) bool {
	if hasRealIssueIDs(s) {
		return false
	}
	if typeAnnotationRe.MatchString(s) {
		return true
	}
	hasPlaceholder := strings.Contains(s, "${") || strings.Contains(s, "...")
	hasExampleMarker := strings.Contains(strings.ToLower(s), "example:") ||
		strings.Contains(strings.ToLower(s), "example output")
	hasInstructionWord := strings.Contains(s, "MUST") || strings.Contains(s, "CRITICAL:")
	return (hasPlaceholder && hasInstructionWord) || hasExampleMarker
}

func hasRealIssueIDs(s string) bool {
	return strings.Contains(s, `"Q-`) || strings.Contains(s, `"SK`) || strings.Contains(s, `"SPEC-`)
}

// QualityGate is the validated shape required by SPEC_FULL.md §4.8.
type QualityGate struct {
	Stage string            `json:"stage"`
	Agent string            `json:"agent"`
	Issues []json.RawMessage `json:"issues"`
}

// ValidateQualityGateJSON validates that raw decodes into the required
// quality-gate shape.
func ValidateQualityGateJSON(raw json.RawMessage) (*QualityGate, error) {
	var qg QualityGate
	if err := json.Unmarshal(raw, &qg); err != nil {
		return nil, core.ErrValidation(core.CodeValidationFailed, "not a JSON object").WithCause(err)
	}
	if !strings.HasPrefix(qg.Stage, "quality-gate-") {
		return nil, core.ErrValidation(core.CodeValidationFailed, "stage must start with quality-gate-")
	}
	if qg.Agent == "" {
		return nil, core.ErrValidation(core.CodeValidationFailed, "agent field is required")
	}
	if qg.Issues == nil {
		return nil, core.ErrValidation(core.CodeValidationFailed, "issues field is required")
	}
	return &qg, nil
}

// ExtractAndValidateQualityGate runs the cascade then validates the
// quality-gate shape; a schema-template match is rejected with
// core.CodeSchemaTemplate.
func ExtractAndValidateQualityGate(content, agentName string) (*QualityGate, error) {
	result, err := ExtractJSONRobust(content)
	if err != nil {
		return nil, err
	}
	if isSchemaTemplate(string(result.JSON)) {
		return nil, core.ErrValidation(core.CodeSchemaTemplate, "extracted JSON is a schema template, not an instance")
	}
	qg, err := ValidateQualityGateJSON(result.JSON)
	if err != nil {
		return nil, err
	}
	if agentName != "" && qg.Agent != agentName {
		qg.Agent = agentName
	}
	return qg, nil
}

// StageAgentProbe is the lenient shape used by ExtractStageAgentJSON: only
// "stage" is required.
type StageAgentProbe struct {
	Stage string `json:"stage"`
	Agent string `json:"agent"`
}

// ExtractStageAgentJSON runs the cascade and lenient-validates that the
// result carries a "stage" field, without requiring the full quality-gate
// shape.
func ExtractStageAgentJSON(content string) (*StageAgentProbe, error) {
	result, err := ExtractJSONRobust(content)
	if err != nil {
		return nil, err
	}
	var probe StageAgentProbe
	if err := json.Unmarshal(result.JSON, &probe); err != nil {
		return nil, core.ErrValidation(core.CodeValidationFailed, "not a JSON object").WithCause(err)
	}
	if probe.Stage == "" {
		return nil, core.ErrValidation(core.CodeValidationFailed, "stage field is required")
	}
	return &probe, nil
}
