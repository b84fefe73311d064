package parsers

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/insight-agent/server/internal/agent/model"
	errx "github.com/insight-agent/server/internal/core/error"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen   = 64 * 1024 // 64KB
	maxReasoningLen = 4 * 1024  // 4KB
)

// safetyResult mirrors the guardrail response schema.
type safetyResult struct {
	IsSafe    *bool  `json:"is_safe"`
	Reasoning string `json:"reasoning"`
	Action    string `json:"action"`
}

// scopeResult mirrors the scope router response schema.
type scopeResult struct {
	Reasoning    string `json:"reasoning"`
	IsOutOfScope *bool  `json:"is_out_of_scope"`
}

// ParseSafetyVerdict decodes the input guardrail's structured output.
// Required fields that are missing or malformed are a schema violation,
// which the executor treats as turn-fatal.
func ParseSafetyVerdict(content string) (*model.Verdict, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, errx.WrapSchemaViolation(err)
	}

	var res safetyResult
	if err := decodeStrict(raw, &res); err != nil {
		return nil, errx.WrapSchemaViolation(err)
	}
	if res.IsSafe == nil {
		return nil, errx.WrapSchemaViolation(fmt.Errorf("missing required field is_safe"))
	}
	action := strings.TrimSpace(strings.ToLower(res.Action))
	switch action {
	case "", model.ActionProceed, model.ActionRefuse, model.ActionMaskData:
	default:
		return nil, errx.WrapSchemaViolation(fmt.Errorf("unknown action %q", res.Action))
	}

	return &model.Verdict{
		IsSafe:    *res.IsSafe,
		Reasoning: clampReasoning(res.Reasoning),
		Action:    action,
	}, nil
}

// ParseScopeVerdict decodes the scope router's structured output.
func ParseScopeVerdict(content string) (*model.Verdict, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, errx.WrapSchemaViolation(err)
	}

	var res scopeResult
	if err := decodeStrict(raw, &res); err != nil {
		return nil, errx.WrapSchemaViolation(err)
	}
	if res.IsOutOfScope == nil {
		return nil, errx.WrapSchemaViolation(fmt.Errorf("missing required field is_out_of_scope"))
	}

	return &model.Verdict{
		IsSafe:       true,
		IsOutOfScope: *res.IsOutOfScope,
		Reasoning:    clampReasoning(res.Reasoning),
	}, nil
}

// extractJSON trims markdown fences some providers wrap around JSON
// output and enforces the content size limit.
func extractJSON(content string) (string, error) {
	s := strings.TrimSpace(content)
	if s == "" {
		return "", fmt.Errorf("empty classification output")
	}
	if len(s) > maxContentLen {
		return "", fmt.Errorf("classification output too large (%d bytes)", len(s))
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("classification output is not valid utf8")
	}

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return "", fmt.Errorf("classification output is not a json object")
	}
	return s, nil
}

func decodeStrict(raw string, out any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode classification json: %w", err)
	}
	return nil
}

func clampReasoning(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxReasoningLen {
		return s
	}
	// back up to a rune boundary so the cut never splits a character
	cut := maxReasoningLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
