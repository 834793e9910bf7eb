package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageBytes bounds a single user message
const MaxMessageBytes = 64 * 1024

var (
	// UUIDRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// safeIDRegex matches opaque identifiers (alphanumeric, dash, underscore, dot)
	safeIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,128}$`)
)

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateConversationID validates a conversation ID
func ValidateConversationID(id string) error {
	return ValidateUUID(id)
}

// ValidateExecutionID validates an execution ID
func ValidateExecutionID(id string) error {
	return ValidateUUID(id)
}

// ValidateProjectID validates an optional project ID. Projects are named by
// the host application, so any safe identifier is accepted.
func ValidateProjectID(id string) error {
	if id == "" {
		return nil
	}
	if strings.Contains(id, "..") || !safeIDRegex.MatchString(id) {
		return fmt.Errorf("invalid project ID: %s", id)
	}
	return nil
}

// ValidateMessage checks a user message before it is sent
func ValidateMessage(msg string) error {
	if strings.TrimSpace(msg) == "" {
		return fmt.Errorf("message cannot be empty")
	}
	if len(msg) > MaxMessageBytes {
		return fmt.Errorf("message too long: %d bytes (max %d)", len(msg), MaxMessageBytes)
	}
	if !utf8.ValidString(msg) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	return nil
}
