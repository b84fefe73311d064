package tools

import (
	"encoding/json"
	"strings"
)

// ResultStatus classifies a tool-role message payload. All tools here
// serialize a typed status field; the marker scan remains as a bridge
// for payloads that are not JSON.
func ResultStatus(content string) string {
	var envelope struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(content), &envelope); err == nil {
		switch envelope.Status {
		case StatusOK, StatusEmpty, StatusError:
			return envelope.Status
		}
	}

	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, strings.ToLower(sqlErrorPrefix)),
		strings.Contains(lower, "search error:"),
		strings.Contains(lower, "chart error:"):
		return StatusError
	case strings.Contains(content, policyNotFound),
		strings.Contains(content, chartMissingMarker):
		return StatusEmpty
	default:
		return StatusOK
	}
}

// IsErrorResult reports whether a tool payload signals a recoverable
// failure the agent should retry.
func IsErrorResult(content string) bool {
	return ResultStatus(content) == StatusError
}
