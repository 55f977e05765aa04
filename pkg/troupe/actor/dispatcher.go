package actor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/troupebot/troupe/pkg/troupe/gateway"
	"github.com/troupebot/troupe/pkg/troupe/store"
)

// deliveryTimeout bounds each outbound delivery call.
const deliveryTimeout = 15 * time.Second

// deliveryFailedReply is the plain-identity fallback sent when an
// impersonation post cannot be delivered.
const deliveryFailedReply = "Error: unable to send actor response."

// Dispatcher sends completion text back into the channel as an impersonation
// post and records the response link that makes future replies resolvable.
// Delivery identities are cached per channel and created on demand.
type Dispatcher struct {
	store    *store.Store
	delivery gateway.Delivery
	cfg      *Config
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher with its injected collaborators.
func NewDispatcher(st *store.Store, delivery gateway.Delivery, cfg *Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		delivery: delivery,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Send delivers content as the persona into the triggering message's
// channel. On any delivery failure it falls back to a plain reply from the
// bot's own identity; either way the delivered (or fallback) message is
// linked back to the persona so the reply-chain precedence keeps working.
func (d *Dispatcher) Send(ctx context.Context, p *store.Persona, msg *gateway.Message, content string) error {
	deliveryID, secret, ok, err := d.store.Delivery(ctx, msg.ChannelID)
	if err != nil {
		return fmt.Errorf("looking up delivery identity: %w", err)
	}
	if !ok {
		deliveryID, secret, err = d.createIdentity(ctx, msg.ChannelID)
		if err != nil {
			d.logger.Error("failed to create delivery identity",
				"channel_id", msg.ChannelID,
				"error", err,
			)
			return d.fallbackReply(ctx, p, msg)
		}
	}

	postCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	deliveredID, err := d.delivery.PostAs(postCtx, &gateway.ImpersonationPost{
		DeliveryID:     deliveryID,
		DeliverySecret: secret,
		ChannelID:      msg.ChannelID,
		ReplyToID:      msg.ID,
		Username:       p.Name,
		AvatarURL:      p.AvatarURL,
		Content:        content,
	})
	if err != nil {
		d.logger.Error("impersonation post failed",
			"persona", p.Name,
			"channel_id", msg.ChannelID,
			"error", err,
		)
		return d.fallbackReply(ctx, p, msg)
	}

	if err := d.store.LinkResponse(ctx, deliveredID, p.ID); err != nil {
		return fmt.Errorf("recording response link: %w", err)
	}
	return nil
}

// createIdentity provisions a webhook in the channel and caches it.
func (d *Dispatcher) createIdentity(ctx context.Context, channelID string) (string, string, error) {
	createCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	id, secret, err := d.delivery.CreateDeliveryIdentity(createCtx, channelID)
	if err != nil {
		return "", "", err
	}
	if err := d.store.SaveDelivery(ctx, channelID, id, secret); err != nil {
		return "", "", err
	}
	return id, secret, nil
}

// fallbackReply posts a plain error reply from the bot's own identity and
// still records the response link against it.
func (d *Dispatcher) fallbackReply(ctx context.Context, p *store.Persona, msg *gateway.Message) error {
	replyCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	replyID, err := d.delivery.Reply(replyCtx, msg.ChannelID, msg.ID, deliveryFailedReply)
	if err != nil {
		return fmt.Errorf("fallback reply failed: %w", err)
	}
	if err := d.store.LinkResponse(ctx, replyID, p.ID); err != nil {
		return fmt.Errorf("recording fallback response link: %w", err)
	}
	return nil
}
