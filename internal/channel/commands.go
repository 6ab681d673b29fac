package channel

import (
	"strings"
)

// Command is a parsed slash command.
type Command struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// Rest returns everything after the command name, spacing preserved.
func (c *Command) Rest() string {
	_, rest, _ := strings.Cut(c.Raw, " ")
	return strings.TrimSpace(rest)
}

// ParseCommand parses a line starting with "/". It returns nil for
// anything else, which is sent as a chat message.
func ParseCommand(text string) *Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 || parts[0] == "/" {
		return nil
	}
	return &Command{
		Name: strings.ToLower(strings.TrimPrefix(parts[0], "/")),
		Args: parts[1:],
		Raw:  text,
	}
}

// version is set by the build.
var version = "0.1.0"

// SetVersion sets the version shown by /help.
func SetVersion(v string) {
	version = v
}

func helpText() string {
	return `JARVIS v` + version + ` commands

/help              show this help
/correct [text]    correct the last reply; without text, the next line is the correction
/cancel            stop the reply being generated, or drop a correction draft
/history           list the messages of this conversation
/learnings         show what JARVIS has learned
/download          download the model file
/retry             retry loading the model
/status            show model and session status
/activity          list recent events (messages saved, model loads, downloads)
/metrics           show runtime metrics
/clear             delete this conversation's messages (learnings are kept)
/quit              exit`
}
