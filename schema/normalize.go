package schema

import (
	"strings"
	"unicode"
)

// NormalizeAgentType validates and normalizes an agent plugin name.
// Allowed characters: A-Z, a-z, 0-9, '.', '_', '-'.
func NormalizeAgentType(agent string) (AgentType, error) {
	trimmed := strings.TrimSpace(agent)
	if trimmed == "" {
		return "", ErrNoAgent
	}
	for _, r := range trimmed {
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return "", ErrInvalidRequest
	}
	return AgentType(strings.ToLower(trimmed)), nil
}

// NormalizeProjectID trims a project id and rejects empty values.
func NormalizeProjectID(project ProjectID) (ProjectID, error) {
	trimmed := strings.TrimSpace(string(project))
	if trimmed == "" {
		return "", ErrNoProject
	}
	return ProjectID(trimmed), nil
}

// NormalizeLabel trims a tab label and caps its length in runes.
func NormalizeLabel(label string, max int) string {
	trimmed := strings.TrimSpace(label)
	if max <= 0 {
		return trimmed
	}
	runes := []rune(trimmed)
	if len(runes) <= max {
		return trimmed
	}
	return string(runes[:max])
}
