package actor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/troupebot/troupe/pkg/troupe/gateway"
	"github.com/troupebot/troupe/pkg/troupe/llm"
	"github.com/troupebot/troupe/pkg/troupe/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func registerPersona(t *testing.T, st *store.Store, p *store.Persona) *store.Persona {
	t.Helper()
	if p.Context == "" {
		p.Context = "A test character."
	}
	if err := st.Register(context.Background(), p); err != nil {
		t.Fatalf("registering %s: %v", p.Name, err)
	}
	return p
}

// fakeHistory serves messages from an in-memory map and a fixed window.
type fakeHistory struct {
	messages map[string]*gateway.Message
	window   []*gateway.Message
}

func (f *fakeHistory) Message(_ context.Context, _, messageID string) (*gateway.Message, error) {
	if msg, ok := f.messages[messageID]; ok {
		return msg, nil
	}
	return nil, gateway.ErrMessageNotFound
}

func (f *fakeHistory) Window(_ context.Context, _ string, after, before time.Time, limit int) ([]*gateway.Message, error) {
	var out []*gateway.Message
	for _, msg := range f.window {
		if msg.Timestamp.Before(after) || msg.Timestamp.After(before) {
			continue
		}
		out = append(out, msg)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// fakeDelivery records outbound calls and can be told to fail.
type fakeDelivery struct {
	mu sync.Mutex

	createErr error
	postErr   error
	replyErr  error

	createCalls int
	posts       []*gateway.ImpersonationPost
	replies     []string
	reactions   []string

	nextID int
}

func (f *fakeDelivery) CreateDeliveryIdentity(_ context.Context, channelID string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", "", f.createErr
	}
	return "hook-" + channelID, "secret-" + channelID, nil
}

func (f *fakeDelivery) PostAs(_ context.Context, post *gateway.ImpersonationPost) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", f.postErr
	}
	f.posts = append(f.posts, post)
	f.nextID++
	return "delivered-" + strconv.Itoa(f.nextID), nil
}

func (f *fakeDelivery) Reply(_ context.Context, _, _, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return "", f.replyErr
	}
	f.replies = append(f.replies, content)
	return "reply-1", nil
}

func (f *fakeDelivery) React(_ context.Context, _, _, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, emoji)
	return nil
}

// fakeCompleter returns a canned response or error and records requests.
type fakeCompleter struct {
	mu sync.Mutex

	response string
	err      error

	calls    int
	requests [][]llm.Message

	// onComplete, when set, runs inside each call (used to simulate
	// concurrent writes while a summarization is in flight).
	onComplete func()
}

func (f *fakeCompleter) Complete(_ context.Context, messages []llm.Message) (string, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, messages)
	hook := f.onComplete
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
