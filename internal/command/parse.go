package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// Call is a parsed command line.
type Call struct {
	Name   schema.CommandName
	Params map[string]any
	Raw    string
}

// Parse parses "name {json}" or "name key=value ...". A leading "/" is
// accepted so lines typed in a prompt work unchanged.
func Parse(input string) (Call, error) {
	raw := strings.TrimSpace(input)
	raw = strings.TrimPrefix(raw, "/")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Call{}, errors.New("command: empty line")
	}
	fields := strings.Fields(raw)
	call := Call{Name: schema.CommandName(strings.ToLower(fields[0])), Raw: raw}
	remainder := remainderAfterTokens(raw, 1)
	if remainder == "" {
		call.Params = map[string]any{}
		return call, nil
	}
	if strings.HasPrefix(remainder, "{") {
		params := map[string]any{}
		if err := json.Unmarshal([]byte(remainder), &params); err != nil {
			return Call{}, fmt.Errorf("%w: params: %v", schema.ErrInvalidRequest, err)
		}
		call.Params = params
		return call, nil
	}
	params := make(map[string]any, len(fields)-1)
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return Call{}, fmt.Errorf("%w: expected key=value, got %q", schema.ErrInvalidRequest, field)
		}
		params[key] = scalar(value)
	}
	call.Params = params
	return call, nil
}

// scalar keeps numbers and booleans typed so they decode into int and bool
// request fields.
func scalar(value string) any {
	var decoded any
	if err := json.Unmarshal([]byte(value), &decoded); err == nil {
		switch decoded.(type) {
		case float64, bool:
			return decoded
		}
	}
	return value
}

func remainderAfterTokens(raw string, count int) string {
	i := 0
	remaining := count
	for remaining > 0 && i < len(raw) {
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		for i < len(raw) && !isSpace(raw[i]) {
			i++
		}
		remaining--
	}
	if i >= len(raw) {
		return ""
	}
	return strings.TrimSpace(raw[i:])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
