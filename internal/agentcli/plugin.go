// Package agentcli drives command line coding agents described by TOML
// plugin definitions.
package agentcli

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/schema"
)

const manifestName = "plugin.toml"

// Template variables substituted into command arguments.
const (
	VarMessage     = "message"
	VarSessionID   = "session_id"
	VarProjectPath = "project_path"
)

// Plugin describes how to invoke one agent CLI.
type Plugin struct {
	Meta          Metadata      `toml:"plugin"`
	Capabilities  Capabilities  `toml:"capabilities"`
	Commands      Commands      `toml:"commands"`
	OutputParsing OutputParsing `toml:"output_parsing"`

	sessionPattern *regexp.Regexp
}

// Metadata names the plugin and its executable.
type Metadata struct {
	Name        string `toml:"name"`
	DisplayName string `toml:"display_name"`
	Version     string `toml:"version"`
	Description string `toml:"description"`
	CLICommand  string `toml:"cli_command"`
}

// Capabilities lists optional agent features.
type Capabilities struct {
	SessionResume   bool `toml:"session_resume"`
	StreamingOutput bool `toml:"streaming_output"`
	ToolUse         bool `toml:"tool_use"`
	MultiTurn       bool `toml:"multi_turn"`
}

// Commands holds argument templates passed to the CLI command. Arguments
// may reference {message}, {session_id} and {project_path}.
type Commands struct {
	SendMessage   []string `toml:"send_message"`
	ResumeSession []string `toml:"resume_session"`
}

// OutputParsing configures how agent output is inspected.
type OutputParsing struct {
	// SessionIDPattern is matched against every output line; capture group
	// 1 holds the agent's own session id.
	SessionIDPattern string `toml:"session_id_pattern"`
}

// ParsePlugin decodes and validates a plugin definition.
func ParsePlugin(data []byte) (*Plugin, error) {
	p := &Plugin{Capabilities: Capabilities{StreamingOutput: true, MultiTurn: true}}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("agentcli: %s", strict.String())
		}
		return nil, fmt.Errorf("agentcli: decode plugin: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPlugin reads a plugin definition from path.
func LoadPlugin(path string) (*Plugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParsePlugin(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// LoadDir loads every *.toml file in dir and every <sub>/plugin.toml.
// Invalid definitions are logged and skipped. A missing directory yields
// no plugins.
func LoadDir(dir string, log pslog.Logger) (map[schema.AgentType]*Plugin, error) {
	plugins := make(map[schema.AgentType]*Plugin)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if log != nil {
				log.Warn("agent plugin dir missing", "dir", dir)
			}
			return plugins, nil
		}
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir():
			manifest := filepath.Join(dir, name, manifestName)
			if _, err := os.Stat(manifest); err == nil {
				paths = append(paths, manifest)
			}
		case filepath.Ext(name) == ".toml":
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		p, err := LoadPlugin(path)
		if err != nil {
			if log != nil {
				log.Error("agent plugin load failed", "path", path, "err", err)
			}
			continue
		}
		if _, dup := plugins[p.Type()]; dup && log != nil {
			log.Warn("agent plugin replaced", "agent", p.Type(), "path", path)
		}
		plugins[p.Type()] = p
		if log != nil {
			log.Info("agent plugin loaded", "agent", p.Type(), "path", path, "resume", p.CanResume())
		}
	}
	return plugins, nil
}

// Type returns the agent type served by the plugin.
func (p *Plugin) Type() schema.AgentType {
	return schema.AgentType(p.Meta.Name)
}

// CanResume reports whether sends can continue an existing agent session.
func (p *Plugin) CanResume() bool {
	return p.Capabilities.SessionResume && len(p.Commands.ResumeSession) > 0
}

// Args returns the arguments for delivering message. The resume template
// is used once the agent session id is known.
func (p *Plugin) Args(message, projectPath string, ext schema.ExternalSessionID) []string {
	vars := map[string]string{
		VarMessage:     message,
		VarProjectPath: projectPath,
	}
	template := p.Commands.SendMessage
	if ext != "" {
		vars[VarSessionID] = string(ext)
		if p.CanResume() {
			template = p.Commands.ResumeSession
		}
	}
	return expand(template, vars)
}

// MatchSessionID extracts the agent session id from an output line.
func (p *Plugin) MatchSessionID(line string) (schema.ExternalSessionID, bool) {
	if p.sessionPattern == nil {
		return "", false
	}
	m := p.sessionPattern.FindStringSubmatch(line)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return schema.ExternalSessionID(m[1]), true
}

func (p *Plugin) validate() error {
	p.Meta.Name = strings.TrimSpace(p.Meta.Name)
	p.Meta.CLICommand = strings.TrimSpace(p.Meta.CLICommand)
	if p.Meta.Name == "" {
		return errors.New("agentcli: plugin name is required")
	}
	if p.Meta.CLICommand == "" {
		return fmt.Errorf("agentcli: plugin %s: cli_command is required", p.Meta.Name)
	}
	if len(p.Commands.SendMessage) == 0 {
		return fmt.Errorf("agentcli: plugin %s: send_message is required", p.Meta.Name)
	}
	if pattern := p.OutputParsing.SessionIDPattern; pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("agentcli: plugin %s: session_id_pattern: %w", p.Meta.Name, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("agentcli: plugin %s: session_id_pattern needs a capture group", p.Meta.Name)
		}
		p.sessionPattern = re
	}
	return nil
}

func expand(template []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "{"+key+"}", value)
	}
	replacer := strings.NewReplacer(pairs...)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = replacer.Replace(arg)
	}
	return out
}

// claudeCode is the built-in definition used when no plugin dir provides
// one for the default agent.
const claudeCode = `
[plugin]
name = "claude-code"
display_name = "Claude Code"
description = "Claude Code CLI"
cli_command = "claude"

[capabilities]
session_resume = true
tool_use = true

[commands]
send_message = ["-p", "{message}", "--output-format", "stream-json", "--verbose"]
resume_session = ["--resume", "{session_id}", "-p", "{message}", "--output-format", "stream-json", "--verbose"]

[output_parsing]
session_id_pattern = '"session_id"\s*:\s*"([a-zA-Z0-9_-]+)"'
`

// Builtin returns the built-in plugin definitions.
func Builtin() map[schema.AgentType]*Plugin {
	p, err := ParsePlugin([]byte(claudeCode))
	if err != nil {
		panic(err)
	}
	return map[schema.AgentType]*Plugin{p.Type(): p}
}
