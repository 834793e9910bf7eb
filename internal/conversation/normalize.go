package conversation

import (
	"regexp"
	"strings"
)

// wrapperTags are markup envelopes the agent runtime puts around tool errors
var wrapperTags = regexp.MustCompile(`(?s)</?(tool_use_error|error|system-reminder)>`)

// timeoutPatterns identify transport timeouts surfaced as tool errors
var timeoutPatterns = []string{
	"stream closed",
	"request timed out",
	"deadline exceeded",
	"etimedout",
	"read timeout",
	"gateway timeout",
}

// TimeoutMessage replaces tool errors that are really transport timeouts
const TimeoutMessage = "The tool call timed out before it returned a result. The agent may retry it."

// NormalizeToolError returns a display form of a tool error: wrapper markup
// is stripped and known timeout signatures become a friendlier message.
// The caller keeps the original text.
func NormalizeToolError(content string) string {
	lower := strings.ToLower(content)
	for _, pattern := range timeoutPatterns {
		if strings.Contains(lower, pattern) {
			return TimeoutMessage
		}
	}

	return strings.TrimSpace(wrapperTags.ReplaceAllString(content, ""))
}
