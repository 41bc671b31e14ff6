package deploy

import (
	"strings"

	"github.com/alessio/shellescape"
)

// Command is one line of a remote batch. Argument commands are rendered
// with every word quoted, so values taken from a Request never reach the
// remote shell unescaped. Script commands are constant lines and are
// rendered verbatim.
type Command struct {
	args            []string
	script          string
	stdout          string
	tolerateFailure bool
}

// Cmd builds an argument command.
func Cmd(args ...string) Command {
	return Command{args: args}
}

// Script builds a command from a constant shell line. It must never be
// built from request values.
func Script(line string) Command {
	return Command{script: line}
}

// WriteTo redirects the command's standard output to path, truncating it.
func (c Command) WriteTo(path string) Command {
	c.stdout = path
	return c
}

// IgnoreFailure makes a non-zero exit of this line not fail the batch.
func (c Command) IgnoreFailure() Command {
	c.tolerateFailure = true
	return c
}

// Args returns the argument words, nil for a script command.
func (c Command) Args() []string {
	return c.args
}

// Stdout returns the redirect target, empty when output is not redirected.
func (c Command) Stdout() string {
	return c.stdout
}

// IsFileWrite reports whether the command writes a file via redirection.
func (c Command) IsFileWrite() bool {
	return c.stdout != ""
}

// Program returns the first argument word, or the first word of a script.
func (c Command) Program() string {
	if len(c.args) > 0 {
		return c.args[0]
	}
	fields := strings.Fields(c.script)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// String renders the command as a POSIX shell line.
func (c Command) String() string {
	var b strings.Builder
	if c.script != "" {
		b.WriteString(c.script)
	} else {
		b.WriteString(shellescape.QuoteCommand(c.args))
	}
	if c.stdout != "" {
		b.WriteString(" > ")
		b.WriteString(shellescape.Quote(c.stdout))
	}
	if c.tolerateFailure {
		b.WriteString(" || true")
	}
	return b.String()
}

// Render renders a list of commands, one shell line per command.
func Render(commands []Command) []string {
	lines := make([]string, len(commands))
	for i, c := range commands {
		lines[i] = c.String()
	}
	return lines
}
