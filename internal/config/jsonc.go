package config

import (
	"strings"
)

// StripJSONComments removes // and /* */ comments from JSONC content, along
// with trailing commas before a closing } or ]
func StripJSONComments(data []byte) []byte {
	input := string(data)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	inString := false
	escaped := false
	for i < len(input) {
		ch := input[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			result.WriteByte(ch)
			i++
			continue
		}

		switch {
		case ch == '"':
			inString = true
		case ch == '/' && i+1 < len(input) && input[i+1] == '/':
			for i < len(input) && input[i] != '\n' {
				i++
			}
			continue
		case ch == '/' && i+1 < len(input) && input[i+1] == '*':
			i += 2
			for i < len(input) && !(input[i] == '*' && i+1 < len(input) && input[i+1] == '/') {
				i++
			}
			i += 2
			continue
		case ch == ',' && closesNext(input, i+1):
			i++
			continue
		}

		result.WriteByte(ch)
		i++
	}

	return []byte(result.String())
}

// closesNext reports whether the next significant character after pos,
// skipping whitespace and comments, closes an object or array
func closesNext(input string, pos int) bool {
	for pos < len(input) {
		switch {
		case input[pos] == ' ' || input[pos] == '\t' || input[pos] == '\n' || input[pos] == '\r':
			pos++
		case strings.HasPrefix(input[pos:], "//"):
			end := strings.IndexByte(input[pos:], '\n')
			if end < 0 {
				return false
			}
			pos += end
		case strings.HasPrefix(input[pos:], "/*"):
			end := strings.Index(input[pos+2:], "*/")
			if end < 0 {
				return false
			}
			pos += end + 4
		default:
			return input[pos] == '}' || input[pos] == ']'
		}
	}
	return false
}
