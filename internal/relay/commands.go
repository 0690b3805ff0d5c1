package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/shlex"

	"github.com/harunnryd/chatgate/internal/message"
	"github.com/harunnryd/chatgate/internal/registry"
)

// CommandHandler answers built-in chat commands.
type CommandHandler struct {
	snapshot func() []registry.Entry
}

func NewCommandHandler(snapshot func() []registry.Entry) *CommandHandler {
	return &CommandHandler{snapshot: snapshot}
}

func (h *CommandHandler) CanHandle(text string) bool {
	text = strings.TrimSpace(text)
	return strings.HasPrefix(text, "$") || strings.HasPrefix(text, "!")
}

// Execute returns the reply for a command, or false when text is not a known
// command.
func (h *CommandHandler) Execute(ctx context.Context, msg message.Message) (string, bool) {
	input := strings.TrimSpace(msg.Text)
	parts, err := shlex.Split(input)
	if err != nil {
		parts = strings.Fields(input)
	}
	if len(parts) == 0 {
		return "", false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "$hello":
		return "Hello!", true
	case "!ping":
		return "pong", true
	case "!echo":
		if len(args) == 0 {
			return "Usage: !echo <text>", true
		}
		return strings.Join(args, " "), true
	case "!status":
		return h.status(), true
	case "!help":
		return helpText(), true
	default:
		slog.Debug("Unknown command", "cmd", cmd, "platform", string(msg.Platform), "tenant", msg.TenantID)
		return "", false
	}
}

func (h *CommandHandler) status() string {
	if h.snapshot == nil {
		return "no adapters"
	}
	entries := h.snapshot()
	if len(entries) == 0 {
		return "no adapters"
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s: %s", e.Key, e.State))
	}
	return strings.Join(lines, "\n")
}

func helpText() string {
	return strings.Join([]string{
		"$hello - connectivity check",
		"!ping - replies pong",
		"!echo <text> - repeats text",
		"!status - adapter states",
	}, "\n")
}
