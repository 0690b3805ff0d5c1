package teams

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
)

// Activity is the subset of the Bot Framework activity schema the adapter reads
// and writes.
type Activity struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
	ServiceURL   string          `json:"serviceUrl,omitempty"`
	ChannelID    string          `json:"channelId,omitempty"`
	From         *ChannelAccount `json:"from,omitempty"`
	Recipient    *ChannelAccount `json:"recipient,omitempty"`
	Conversation *Conversation   `json:"conversation,omitempty"`
	Text         string          `json:"text,omitempty"`
	TextFormat   string          `json:"textFormat,omitempty"`
	ReplyToID    string          `json:"replyToId,omitempty"`
	Attachments  []Attachment    `json:"attachments,omitempty"`
}

type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

type Conversation struct {
	ID               string `json:"id"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
}

type Attachment struct {
	ContentType string `json:"contentType"`
	Name        string `json:"name,omitempty"`
}

// ResourceResponse is returned when an activity is posted.
type ResourceResponse struct {
	ID string `json:"id"`
}

const activityMessage = "message"

// Decode converts a message activity.
func Decode(tenantID string, act Activity) (message.Message, error) {
	if act.Type != activityMessage {
		return message.Message{}, errors.NewDecodeError(platform, act.Type, fmt.Errorf("unsupported activity type"))
	}
	if act.Conversation == nil || act.Conversation.ID == "" {
		return message.Message{}, errors.NewDecodeError(platform, act.Type, fmt.Errorf("activity %s has no conversation", act.ID))
	}
	if act.From == nil || act.From.ID == "" {
		return message.Message{}, errors.NewDecodeError(platform, act.Type, fmt.Errorf("activity %s has no sender", act.ID))
	}

	ts, err := time.Parse(time.RFC3339Nano, act.Timestamp)
	if err != nil {
		ts = time.Now()
	}

	var attachments []string
	for _, att := range act.Attachments {
		if att.Name != "" {
			attachments = append(attachments, att.Name)
		}
	}

	return message.Message{
		ID:          act.ID,
		Platform:    message.Teams,
		TenantID:    tenantID,
		ChannelRef:  act.Conversation.ID,
		AuthorRef:   act.From.ID,
		AuthorName:  act.From.Name,
		Text:        stripMentions(act.Text),
		Timestamp:   ts,
		ReplyTo:     act.ReplyToID,
		Attachments: attachments,
	}, nil
}

// Encode renders msg as one activity per chunk. The reply reference goes on the
// first chunk only.
func Encode(msg message.Message, dest message.Destination) ([]Activity, error) {
	if strings.TrimSpace(dest.ChannelRef) == "" {
		return nil, errors.NewEncodeError(platform, fmt.Errorf("missing conversation"))
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, errors.NewEncodeError(platform, fmt.Errorf("empty text"))
	}

	replyTo := msg.ReplyTo
	if replyTo == "" {
		replyTo = dest.ThreadRef
	}

	chunks := message.Split(msg.Text, message.TeamsMaxLength)
	out := make([]Activity, 0, len(chunks))
	for i, chunk := range chunks {
		act := Activity{
			Type:         activityMessage,
			Text:         chunk,
			TextFormat:   "plain",
			Conversation: &Conversation{ID: dest.ChannelRef},
		}
		if i == 0 {
			act.ReplyToID = replyTo
		}
		out = append(out, act)
	}
	return out, nil
}

// stripMentions removes <at>name</at> tags Teams inserts for @mentions.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<at>")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], "</at>")
		if end < 0 {
			break
		}
		text = text[:start] + text[start+end+len("</at>"):]
	}
	return strings.TrimSpace(text)
}
