package actor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/troupebot/troupe/pkg/troupe/gateway"
	"github.com/troupebot/troupe/pkg/troupe/llm"
	"github.com/troupebot/troupe/pkg/troupe/store"
)

// contentCost sums the estimated token cost of every budgeted line: all
// messages except the character preamble and the two separators.
func contentCost(messages []llm.Message) int {
	cost := 0
	for _, m := range messages[1:] {
		if m.Content == "Prior messages (oldest to newest):" ||
			m.Content == "Background discussion (recent, same channel):" {
			continue
		}
		cost += EstimateTokens(m.Content)
	}
	return cost
}

func TestBuildOrderAndSeparators(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := registerPersona(t, st, &store.Persona{Name: "gandalf", GroupID: "role-g"})

	if err := st.AppendTurn(ctx, p.ID, "u1", "Frodo", "do you remember me?"); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	now := time.Now()
	history := &fakeHistory{
		messages: map[string]*gateway.Message{
			"parent": {ID: "parent", ChannelID: "c1", AuthorName: "Sam", Content: "what about breakfast?"},
		},
		window: []*gateway.Message{
			{ID: "bg1", ChannelID: "c1", AuthorName: "Pippin", Content: "second breakfast?", Timestamp: now.Add(-time.Minute)},
		},
	}

	a := NewAssembler(st, history, DefaultConfig(), testLogger())
	messages := a.Build(ctx, p, &gateway.Message{
		ID: "m1", ChannelID: "c1", AuthorName: "Frodo",
		Content: "well?", ReplyToID: "parent", Timestamp: now,
	})

	if len(messages) < 5 {
		t.Fatalf("got %d messages: %+v", len(messages), messages)
	}
	if messages[0].Role != llm.RoleSystem || !strings.Contains(messages[0].Content, "Actor context:") {
		t.Errorf("first message is not the character preamble: %+v", messages[0])
	}
	if messages[1].Content != "Prior messages (oldest to newest):" {
		t.Errorf("messages[1] = %q", messages[1].Content)
	}
	if messages[2].Content != "Sam: what about breakfast?" {
		t.Errorf("reply chain line = %q", messages[2].Content)
	}
	if messages[3].Content != "Frodo: do you remember me?" {
		t.Errorf("saved history line = %q", messages[3].Content)
	}
	if messages[4].Content != "Background discussion (recent, same channel):" {
		t.Errorf("messages[4] = %q", messages[4].Content)
	}
	if messages[5].Content != "[background] Pippin: second breakfast?" {
		t.Errorf("background line = %q", messages[5].Content)
	}
}

func TestBuildRespectsBudget(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := registerPersona(t, st, &store.Persona{Name: "gandalf", GroupID: "role-g"})

	long := strings.Repeat("the road goes ever on ", 10)
	for i := 0; i < 30; i++ {
		if err := st.AppendTurn(ctx, p.ID, "u1", "Frodo", fmt.Sprintf("%s %d", long, i)); err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
	}

	cfg := DefaultConfig()
	cfg.Context.TokenBudget = 100
	a := NewAssembler(st, &fakeHistory{}, cfg, testLogger())

	messages := a.Build(ctx, p, &gateway.Message{
		ID: "m1", ChannelID: "c1", AuthorName: "Frodo", Content: "hello", Timestamp: time.Now(),
	})

	if cost := contentCost(messages); cost > cfg.Context.TokenBudget {
		t.Errorf("content cost %d exceeds budget %d", cost, cfg.Context.TokenBudget)
	}
	if len(messages) <= 1 {
		t.Error("budget of 100 should still admit some lines")
	}
}

func TestBuildDeduplicatesAcrossSources(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := registerPersona(t, st, &store.Persona{Name: "gandalf", GroupID: "role-g"})

	// The same line is both the reply-chain parent and a stored turn.
	if err := st.AppendTurn(ctx, p.ID, "u1", "Sam", "what about breakfast?"); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}
	history := &fakeHistory{messages: map[string]*gateway.Message{
		"parent": {ID: "parent", ChannelID: "c1", AuthorName: "Sam", Content: "what about breakfast?"},
	}}

	a := NewAssembler(st, history, DefaultConfig(), testLogger())
	messages := a.Build(ctx, p, &gateway.Message{
		ID: "m1", ChannelID: "c1", AuthorName: "Frodo",
		Content: "well?", ReplyToID: "parent", Timestamp: time.Now(),
	})

	count := 0
	for _, m := range messages {
		if m.Content == "Sam: what about breakfast?" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("duplicated line appears %d times, want 1", count)
	}
}

func TestBuildBackgroundKeepsMostRecent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := registerPersona(t, st, &store.Persona{Name: "gandalf", GroupID: "role-g"})

	now := time.Now()
	var window []*gateway.Message
	for i := 0; i < 10; i++ {
		window = append(window, &gateway.Message{
			ID: fmt.Sprintf("bg%d", i), ChannelID: "c1", AuthorName: "Merry",
			Content:   fmt.Sprintf("line %d", i),
			Timestamp: now.Add(time.Duration(i-10) * time.Second),
		})
	}

	cfg := DefaultConfig()
	cfg.Context.BackgroundMaxMessages = 8
	a := NewAssembler(st, &fakeHistory{window: window}, cfg, testLogger())

	messages := a.Build(ctx, p, &gateway.Message{
		ID: "m1", ChannelID: "c1", AuthorName: "Frodo", Content: "hm", Timestamp: now,
	})

	var background []string
	for _, m := range messages {
		if strings.HasPrefix(m.Content, "[background] ") {
			background = append(background, m.Content)
		}
	}
	if len(background) != 8 {
		t.Fatalf("got %d background lines, want 8", len(background))
	}
	// The two OLDEST lines are the ones dropped.
	if background[0] != "[background] Merry: line 2" {
		t.Errorf("first kept background line = %q, want line 2", background[0])
	}
	if background[7] != "[background] Merry: line 9" {
		t.Errorf("last kept background line = %q, want line 9", background[7])
	}
}

func TestBuildBackgroundDeduplicatesRepeatedChatter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := registerPersona(t, st, &store.Persona{Name: "gandalf", GroupID: "role-g"})

	// Ordinary chat repetition: the same author posts the same text twice
	// inside the window.
	now := time.Now()
	window := []*gateway.Message{
		{ID: "bg1", ChannelID: "c1", AuthorName: "Merry", Content: "lol", Timestamp: now.Add(-3 * time.Minute)},
		{ID: "bg2", ChannelID: "c1", AuthorName: "Merry", Content: "lol", Timestamp: now.Add(-2 * time.Minute)},
		{ID: "bg3", ChannelID: "c1", AuthorName: "Pippin", Content: "agreed", Timestamp: now.Add(-time.Minute)},
	}

	a := NewAssembler(st, &fakeHistory{window: window}, DefaultConfig(), testLogger())
	messages := a.Build(ctx, p, &gateway.Message{
		ID: "m1", ChannelID: "c1", AuthorName: "Frodo", Content: "hm", Timestamp: now,
	})

	counts := map[string]int{}
	for _, m := range messages {
		counts[m.Content]++
	}
	for content, n := range counts {
		if n > 1 {
			t.Errorf("content line %q appears %d times", content, n)
		}
	}
	if counts["[background] Merry: lol"] != 1 {
		t.Errorf("repeated chatter line kept %d times, want 1", counts["[background] Merry: lol"])
	}
	if counts["[background] Pippin: agreed"] != 1 {
		t.Errorf("distinct background line missing: %v", counts)
	}
}

func TestBuildSummaryLine(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := registerPersona(t, st, &store.Persona{Name: "gandalf", GroupID: "role-g"})
	if err := st.SetSummary(ctx, p.ID, "met the hobbits in the Shire"); err != nil {
		t.Fatalf("SetSummary failed: %v", err)
	}
	p, _ = st.ByID(ctx, p.ID)

	a := NewAssembler(st, &fakeHistory{}, DefaultConfig(), testLogger())
	messages := a.Build(ctx, p, &gateway.Message{
		ID: "m1", ChannelID: "c1", AuthorName: "Frodo", Content: "hello", Timestamp: time.Now(),
	})

	found := false
	for _, m := range messages {
		if m.Content == "Summary so far: met the hobbits in the Shire" {
			if m.Role != llm.RoleSystem {
				t.Errorf("summary line role = %q, want system", m.Role)
			}
			found = true
		}
	}
	if !found {
		t.Errorf("summary line missing from %+v", messages)
	}
}

func TestBuildFlattensGroupMentionsInChain(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := registerPersona(t, st, &store.Persona{Name: "gandalf", GroupID: "role-g"})

	history := &fakeHistory{messages: map[string]*gateway.Message{
		"parent": {
			ID: "parent", ChannelID: "c1", AuthorName: "Sam",
			Content:       "calling <@&role-g>!",
			GroupMentions: []gateway.GroupMention{{ID: "role-g", Name: "gandalf"}},
		},
	}}

	a := NewAssembler(st, history, DefaultConfig(), testLogger())
	messages := a.Build(ctx, p, &gateway.Message{
		ID: "m1", ChannelID: "c1", AuthorName: "Frodo",
		Content: "well?", ReplyToID: "parent", Timestamp: time.Now(),
	})

	found := false
	for _, m := range messages {
		if m.Content == "Sam: calling <Group mentioned: gandalf>!" {
			found = true
		}
	}
	if !found {
		t.Errorf("flattened mention line missing from %+v", messages)
	}
}
