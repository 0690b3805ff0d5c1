// Package message holds the platform-neutral data model shared by adapters,
// supervisors and the router.
package message

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a chat platform variant.
type Platform string

const (
	Discord  Platform = "discord"
	Slack    Platform = "slack"
	Teams    Platform = "teams"
	Telegram Platform = "telegram"
	Loopback Platform = "loopback"
	Console  Platform = "console"
)

// ParsePlatform normalizes a configured platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case Discord, Slack, Teams, Telegram, Loopback, Console:
		return p, nil
	case "msteams", "microsoft-teams":
		return Teams, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

func (p Platform) String() string {
	return string(p)
}

// Message is an inbound or outbound chat message. Values are treated as immutable.
//
// ChannelRef and AuthorRef are opaque per-platform identities; they only mean
// something together with Platform.
type Message struct {
	ID          string    `json:"id"`
	Platform    Platform  `json:"platform"`
	TenantID    string    `json:"tenant_id"`
	ChannelRef  string    `json:"channel_ref"`
	AuthorRef   string    `json:"author_ref"`
	AuthorName  string    `json:"author_name,omitempty"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	ThreadRef   string    `json:"thread_ref,omitempty"`
	ReplyTo     string    `json:"reply_to,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
}

// SameChannel reports whether both messages were posted to the same channel of
// the same platform.
func (m Message) SameChannel(other Message) bool {
	return m.Platform == other.Platform && m.ChannelRef == other.ChannelRef
}

// SameAuthor reports whether both messages were written by the same platform user.
func (m Message) SameAuthor(other Message) bool {
	return m.Platform == other.Platform && m.AuthorRef == other.AuthorRef
}

// ReplyDestination addresses a reply in the conversation the message came from,
// keeping the thread when there is one.
func (m Message) ReplyDestination() Destination {
	return Destination{
		Platform:   m.Platform,
		TenantID:   m.TenantID,
		ChannelRef: m.ChannelRef,
		ThreadRef:  m.ThreadRef,
	}
}

// Destination addresses an outbound message.
type Destination struct {
	Platform   Platform `json:"platform"`
	TenantID   string   `json:"tenant_id,omitempty"`
	ChannelRef string   `json:"channel_ref"`
	ThreadRef  string   `json:"thread_ref,omitempty"`
}

func (d Destination) String() string {
	var b strings.Builder
	b.WriteString(string(d.Platform))
	if d.TenantID != "" {
		b.WriteString("/")
		b.WriteString(d.TenantID)
	}
	b.WriteString(":")
	b.WriteString(d.ChannelRef)
	if d.ThreadRef != "" {
		b.WriteString("#")
		b.WriteString(d.ThreadRef)
	}
	return b.String()
}

// Draft is the caller-supplied body of an outbound message.
type Draft struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// Outbound builds the message an adapter will encode for dest.
func (d Draft) Outbound(dest Destination) Message {
	return Message{
		Platform:   dest.Platform,
		TenantID:   dest.TenantID,
		ChannelRef: dest.ChannelRef,
		ThreadRef:  dest.ThreadRef,
		Text:       d.Text,
		ReplyTo:    d.ReplyTo,
		Timestamp:  time.Now(),
	}
}

// Ack confirms delivery. ID is the platform message ID of the last chunk sent.
type Ack struct {
	ID         string    `json:"id"`
	Platform   Platform  `json:"platform"`
	ChannelRef string    `json:"channel_ref"`
	Timestamp  time.Time `json:"timestamp"`
	Parts      int       `json:"parts"`
}
