package deploy

import (
	"reflect"
	"testing"

	"github.com/mattn/go-shellwords"
)

func TestCommandQuotingRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"plain words", []string{"npm", "install"}},
		{"repository URL", []string{"git", "clone", "https://git.example.com/acme/shop.git", "/opt/apps/shop"}},
		{"single quote", []string{"printf", "%s", "it's; rm -rf /"}},
		{"command substitution", []string{"echo", "$(whoami)", "`id`"}},
		{"whitespace", []string{"printf", "%s", "a b\tc"}},
		{"multi-line payload", []string{"printf", `%s\n`, "PORT=3000\nDEBUG=false"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := Cmd(tt.args...).String()
			parsed, err := shellwords.Parse(line)
			if err != nil {
				t.Fatalf("Failed to parse rendered line %q: %v", line, err)
			}
			if !reflect.DeepEqual(parsed, tt.args) {
				t.Errorf("Round trip mismatch\nLine:     %s\nGot:      %q\nExpected: %q", line, parsed, tt.args)
			}
		})
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		name     string
		cmd      Command
		expected string
	}{
		{
			name:     "argument command",
			cmd:      Cmd("pm2", "start", "src/index.js", "--name", "shop", "-i", "max"),
			expected: "pm2 start src/index.js --name shop -i max",
		},
		{
			name:     "redirect",
			cmd:      Cmd("printf", `%s\n`, "PORT=3000").WriteTo(".env"),
			expected: `printf '%s\n' PORT=3000 > .env`,
		},
		{
			name:     "tolerated failure",
			cmd:      Cmd("pm2", "delete", "shop").IgnoreFailure(),
			expected: "pm2 delete shop || true",
		},
		{
			name:     "script",
			cmd:      Script("curl -fsSL https://deb.nodesource.com/setup_20.x | bash -"),
			expected: "curl -fsSL https://deb.nodesource.com/setup_20.x | bash -",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.String(); got != tt.expected {
				t.Errorf("String() = %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestCommandAccessors(t *testing.T) {
	c := Cmd("printf", "%s", "x").WriteTo("/tmp/out")
	if !c.IsFileWrite() || c.Stdout() != "/tmp/out" {
		t.Errorf("Expected file write to /tmp/out, got %q", c.Stdout())
	}
	if c.Program() != "printf" {
		t.Errorf("Expected program printf, got %q", c.Program())
	}
	if Script("set -e").Program() != "set" {
		t.Error("Expected script program to be its first word")
	}
	if Script("set -e").Args() != nil {
		t.Error("Script commands have no argument words")
	}
}
