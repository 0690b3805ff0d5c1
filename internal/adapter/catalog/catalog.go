// Package catalog wires every built-in adapter variant to its platform.
package catalog

import (
	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/adapter/console"
	"github.com/harunnryd/chatgate/internal/adapter/discord"
	"github.com/harunnryd/chatgate/internal/adapter/loopback"
	"github.com/harunnryd/chatgate/internal/adapter/slack"
	"github.com/harunnryd/chatgate/internal/adapter/teams"
	"github.com/harunnryd/chatgate/internal/adapter/telegram"
	"github.com/harunnryd/chatgate/internal/message"
)

// Default returns the factories for all built-in variants.
func Default() adapter.Factories {
	return adapter.Factories{
		message.Discord:  discord.Factory,
		message.Slack:    slack.Factory,
		message.Teams:    teams.Factory,
		message.Telegram: telegram.Factory,
		message.Loopback: loopback.Factory,
		message.Console:  console.Factory,
	}
}

// Platforms lists the platforms Default can build, in display order.
func Platforms() []message.Platform {
	return []message.Platform{
		message.Discord,
		message.Slack,
		message.Teams,
		message.Telegram,
		message.Loopback,
		message.Console,
	}
}
