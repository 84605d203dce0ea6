package agentcli

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/jariahh/ateliercode-sub000/schema"
)

const testPlugin = `
[plugin]
name = "echo-agent"
display_name = "Echo"
cli_command = "echo"

[capabilities]
session_resume = true

[commands]
send_message = ["-p", "{message}", "--cwd", "{project_path}"]
resume_session = ["-r", "{session_id}", "-p", "{message}"]

[output_parsing]
session_id_pattern = "Session ID: ([a-zA-Z0-9_-]+)"
`

func TestParsePluginDefaultsAndArgs(t *testing.T) {
	p, err := ParsePlugin([]byte(testPlugin))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Type() != "echo-agent" {
		t.Fatalf("unexpected type %q", p.Type())
	}
	if !p.Capabilities.StreamingOutput || !p.Capabilities.MultiTurn {
		t.Fatalf("expected default capabilities, got %+v", p.Capabilities)
	}
	if !p.CanResume() {
		t.Fatalf("expected resumable plugin")
	}

	args := p.Args("hello {session_id}", "/work/app", "")
	want := []string{"-p", "hello {session_id}", "--cwd", "/work/app"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("unexpected args:\nwant: %#v\ngot:  %#v", want, args)
	}

	args = p.Args("again", "/work/app", "ext-7")
	want = []string{"-r", "ext-7", "-p", "again"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("unexpected resume args:\nwant: %#v\ngot:  %#v", want, args)
	}
}

func TestArgsWithoutResumeCapability(t *testing.T) {
	p, err := ParsePlugin([]byte(strings.Replace(testPlugin, "session_resume = true", "session_resume = false", 1)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.CanResume() {
		t.Fatalf("expected plugin without resume")
	}
	args := p.Args("hi", "/p", "ext-1")
	if args[0] != "-p" || args[1] != "hi" {
		t.Fatalf("expected send template, got %#v", args)
	}
}

func TestMatchSessionID(t *testing.T) {
	p, err := ParsePlugin([]byte(testPlugin))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ext, ok := p.MatchSessionID("Session ID: abc_12-x"); !ok || ext != "abc_12-x" {
		t.Fatalf("unexpected match %q %v", ext, ok)
	}
	if _, ok := p.MatchSessionID("no id here"); ok {
		t.Fatalf("unexpected match")
	}

	builtin := Builtin()["claude-code"]
	if builtin == nil {
		t.Fatalf("missing builtin claude-code plugin")
	}
	line := `{"type":"system","subtype":"init","session_id":"5f1c-22ab","tools":[]}`
	if ext, ok := builtin.MatchSessionID(line); !ok || ext != "5f1c-22ab" {
		t.Fatalf("unexpected builtin match %q %v", ext, ok)
	}
}

func TestParsePluginRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing command": strings.Replace(testPlugin, `cli_command = "echo"`, "", 1),
		"missing send":    strings.Replace(testPlugin, `send_message = ["-p", "{message}", "--cwd", "{project_path}"]`, "", 1),
		"unknown field":   testPlugin + "\n[extra]\nkey = 1\n",
		"bad pattern":     strings.Replace(testPlugin, "([a-zA-Z0-9_-]+)", "([", 1),
		"no group":        strings.Replace(testPlugin, "([a-zA-Z0-9_-]+)", "[a-z]+", 1),
		"not toml":        "[plugin\nname=",
	}
	for name, data := range cases {
		if _, err := ParsePlugin([]byte(data)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "echo.toml"), []byte(testPlugin), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sub := filepath.Join(dir, "other")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	other := strings.Replace(testPlugin, `name = "echo-agent"`, `name = "other-agent"`, 1)
	if err := os.WriteFile(filepath.Join(sub, manifestName), []byte(other), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.toml"), []byte("[plugin]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("skip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	plugins, err := LoadDir(dir, nil)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(plugins) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(plugins))
	}
	for _, agent := range []schema.AgentType{"echo-agent", "other-agent"} {
		if plugins[agent] == nil {
			t.Fatalf("missing plugin %s", agent)
		}
	}

	missing, err := LoadDir(filepath.Join(dir, "nope"), nil)
	if err != nil || len(missing) != 0 {
		t.Fatalf("expected empty result for missing dir, got %v %v", missing, err)
	}
}

func TestLoadPluginReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[plugin]\nname = \"x\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadPlugin(path)
	if err == nil || !strings.Contains(err.Error(), path) {
		t.Fatalf("expected error naming %s, got %v", path, err)
	}
	if _, err := LoadPlugin(filepath.Join(t.TempDir(), "none.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
}
