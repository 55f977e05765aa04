package actor

import (
	"context"
	"errors"
	"testing"

	"github.com/troupebot/troupe/pkg/troupe/gateway"
	"github.com/troupebot/troupe/pkg/troupe/store"
)

func TestSendCreatesAndCachesIdentity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := registerPersona(t, st, &store.Persona{Name: "gandalf", GroupID: "role-g", AvatarURL: "https://img/x.png"})

	delivery := &fakeDelivery{}
	d := NewDispatcher(st, delivery, DefaultConfig(), testLogger())

	msg := &gateway.Message{ID: "m1", ChannelID: "chan-1"}
	if err := d.Send(ctx, p, msg, "You shall not pass."); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if delivery.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", delivery.createCalls)
	}
	if len(delivery.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(delivery.posts))
	}
	post := delivery.posts[0]
	if post.Username != "gandalf" || post.AvatarURL != "https://img/x.png" {
		t.Errorf("post identity = %q/%q", post.Username, post.AvatarURL)
	}
	if post.DeliveryID != "hook-chan-1" || post.DeliverySecret != "secret-chan-1" {
		t.Errorf("post delivery = %q/%q", post.DeliveryID, post.DeliverySecret)
	}
	if post.ReplyToID != "m1" {
		t.Errorf("post reply target = %q", post.ReplyToID)
	}

	// The delivered message is linked back to the persona.
	linked, err := st.ResponseLink(ctx, "delivered-1")
	if err != nil || linked != p.ID {
		t.Errorf("ResponseLink = %d, %v; want %d", linked, err, p.ID)
	}

	// A second send reuses the cached identity.
	if err := d.Send(ctx, p, msg, "Fly, you fools."); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	if delivery.createCalls != 1 {
		t.Errorf("createCalls after reuse = %d, want 1", delivery.createCalls)
	}
}

func TestSendFallsBackWhenIdentityCreationFails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := registerPersona(t, st, &store.Persona{Name: "gandalf", GroupID: "role-g"})

	delivery := &fakeDelivery{createErr: errors.New("missing permission")}
	d := NewDispatcher(st, delivery, DefaultConfig(), testLogger())

	msg := &gateway.Message{ID: "m1", ChannelID: "chan-1"}
	if err := d.Send(ctx, p, msg, "hello"); err != nil {
		t.Fatalf("Send should degrade to a plain reply, got %v", err)
	}

	if len(delivery.posts) != 0 {
		t.Errorf("impersonation post went out despite failed identity")
	}
	if len(delivery.replies) != 1 || delivery.replies[0] != deliveryFailedReply {
		t.Errorf("replies = %v, want the fixed failure reply", delivery.replies)
	}
	// Even the fallback reply is linked so reply-resolution keeps working.
	linked, err := st.ResponseLink(ctx, "reply-1")
	if err != nil || linked != p.ID {
		t.Errorf("fallback link = %d, %v; want %d", linked, err, p.ID)
	}
}

func TestSendFallsBackWhenPostFails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := registerPersona(t, st, &store.Persona{Name: "gandalf", GroupID: "role-g"})

	delivery := &fakeDelivery{postErr: gateway.ErrDeliveryRejected}
	d := NewDispatcher(st, delivery, DefaultConfig(), testLogger())

	msg := &gateway.Message{ID: "m1", ChannelID: "chan-1"}
	if err := d.Send(ctx, p, msg, "hello"); err != nil {
		t.Fatalf("Send should degrade to a plain reply, got %v", err)
	}
	if len(delivery.replies) != 1 {
		t.Errorf("replies = %v, want one fallback", delivery.replies)
	}
}

func TestSendReturnsErrorWhenFallbackFails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := registerPersona(t, st, &store.Persona{Name: "gandalf", GroupID: "role-g"})

	delivery := &fakeDelivery{
		postErr:  gateway.ErrDeliveryRejected,
		replyErr: errors.New("channel gone"),
	}
	d := NewDispatcher(st, delivery, DefaultConfig(), testLogger())

	msg := &gateway.Message{ID: "m1", ChannelID: "chan-1"}
	if err := d.Send(ctx, p, msg, "hello"); err == nil {
		t.Fatal("expected an error when both delivery paths fail")
	}
}
