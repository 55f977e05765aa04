// Package gateway defines the interfaces and types the actor engine uses to
// talk to a chat platform. The engine only ever sees these contracts; the
// Discord implementation lives in gateway/discord.
package gateway

import (
	"context"
	"fmt"
	"time"
)

// GroupMention is an addressed-group reference carried by a message
// (a mentionable role on Discord).
type GroupMention struct {
	// ID is the platform identifier of the group.
	ID string

	// Name is the display name of the group.
	Name string
}

// Message represents an inbound chat message in platform-neutral form.
type Message struct {
	// ID is the unique message identifier on the platform.
	ID string

	// ChannelID is the channel the message was posted in.
	ChannelID string

	// AuthorID is the sender's platform identifier.
	AuthorID string

	// AuthorName is the sender's display name.
	AuthorName string

	// Content is the raw text content.
	Content string

	// Bot reports whether the author is any automated identity.
	Bot bool

	// Delivery reports whether the message was posted through an
	// impersonation webhook (any webhook, not necessarily ours).
	Delivery bool

	// ReplyToID is the ID of the message this one replies to, if any.
	ReplyToID string

	// GroupMentions lists the addressed groups mentioned in the message.
	GroupMentions []GroupMention

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// History provides read access to channel history. Both methods are bounded
// lookups; a failed fetch truncates the caller's walk rather than aborting it.
type History interface {
	// Message fetches a single message by ID.
	Message(ctx context.Context, channelID, messageID string) (*Message, error)

	// Window returns messages in the channel posted after `after` and
	// before `before`, oldest first, up to limit.
	Window(ctx context.Context, channelID string, after, before time.Time, limit int) ([]*Message, error)
}

// ImpersonationPost is a message delivered under a persona's name and avatar
// through a channel-scoped delivery identity.
type ImpersonationPost struct {
	// DeliveryID and DeliverySecret identify the webhook to post through.
	DeliveryID     string
	DeliverySecret string

	// ChannelID is the destination channel.
	ChannelID string

	// ReplyToID is the triggering message being answered.
	ReplyToID string

	// Username and AvatarURL are the persona's visible identity.
	Username  string
	AvatarURL string

	// Content is the completion text.
	Content string
}

// Delivery posts persona responses and reactions into channels.
type Delivery interface {
	// CreateDeliveryIdentity provisions a webhook in the channel and
	// returns its id and secret.
	CreateDeliveryIdentity(ctx context.Context, channelID string) (id, secret string, err error)

	// PostAs sends an impersonation post and returns the delivered
	// message's ID synchronously.
	PostAs(ctx context.Context, post *ImpersonationPost) (deliveredID string, err error)

	// Reply sends a plain message from the bot's own identity as a reply.
	// Returns the sent message's ID.
	Reply(ctx context.Context, channelID, replyToID, content string) (messageID string, err error)

	// React adds an emoji reaction to a message.
	React(ctx context.Context, channelID, messageID, emoji string) error
}

// Errors.
var (
	ErrNotConnected     = fmt.Errorf("gateway is not connected")
	ErrMessageNotFound  = fmt.Errorf("message not found")
	ErrDeliveryRejected = fmt.Errorf("delivery was rejected by the platform")
)
