package chat

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func mustChat(t *testing.T, s *InMemoryStore, a, b string) Chat {
	t.Helper()
	c, err := s.FindOrCreateChat(context.Background(), a, b)
	if err != nil {
		t.Fatalf("FindOrCreateChat(%s,%s): %v", a, b, err)
	}
	return c
}

func mustMessage(t *testing.T, s *InMemoryStore, sender, receiver, chatID, text string) Message {
	t.Helper()
	m, err := s.Create(context.Background(), sender, receiver, chatID, text, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func TestFindOrCreateChatConverges(t *testing.T) {
	t.Parallel()
	s := NewInMemoryStore()

	c1 := mustChat(t, s, "alice", "bob")
	c2 := mustChat(t, s, "bob", "alice")
	if c1.ID != c2.ID {
		t.Fatalf("pair produced two chats: %s vs %s", c1.ID, c2.ID)
	}
	if c1.PairLow != "alice" || c1.PairHigh != "bob" {
		t.Fatalf("non-canonical pair: %+v", c1)
	}
	if !c1.ActiveLow || !c1.ActiveHigh {
		t.Fatalf("new chat must be active for both: %+v", c1)
	}
}

func TestFindOrCreateChatConcurrent(t *testing.T) {
	t.Parallel()
	s := NewInMemoryStore()

	const n = 32
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			c, err := s.FindOrCreateChat(context.Background(), a, b)
			if err != nil {
				t.Errorf("FindOrCreateChat: %v", err)
				return
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent callers diverged: %v", ids)
		}
	}
}

func TestFindOrCreateChatRejectsSelf(t *testing.T) {
	t.Parallel()
	s := NewInMemoryStore()

	if _, err := s.FindOrCreateChat(context.Background(), "alice", "alice"); !errors.Is(err, ErrSelfChat) {
		t.Fatalf("want ErrSelfChat, got %v", err)
	}
}

func TestCreateValidatesText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")

	cases := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace", "   \n\t "},
		{"too long", strings.Repeat("x", MaxMessageLen+1)},
	}
	for _, tc := range cases {
		if _, err := s.Create(ctx, "alice", "bob", c.ID, tc.text, ""); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: want ErrValidation, got %v", tc.name, err)
		}
	}

	// Exactly at the limit is fine.
	if _, err := s.Create(ctx, "alice", "bob", c.ID, strings.Repeat("y", MaxMessageLen), ""); err != nil {
		t.Fatalf("limit-length text: %v", err)
	}

	if _, err := s.Create(ctx, "alice", "alice", c.ID, "hi", ""); !errors.Is(err, ErrSelfMessage) {
		t.Fatalf("want ErrSelfMessage, got %v", err)
	}
}

func TestCreateTrimsAndDefaults(t *testing.T) {
	t.Parallel()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")

	m := mustMessage(t, s, "alice", "bob", c.ID, "  hello bob  ")
	if m.Text != "hello bob" {
		t.Fatalf("text not trimmed: %q", m.Text)
	}
	if m.MessageType != MessageTypeText {
		t.Fatalf("default type = %q", m.MessageType)
	}
	if m.IsRead || m.Edited || m.Deleted() {
		t.Fatalf("fresh message has lifecycle flags set: %+v", m)
	}
}

func TestCreateRequiresParticipants(t *testing.T) {
	t.Parallel()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")

	if _, err := s.Create(context.Background(), "mallory", "bob", c.ID, "hi", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	if _, err := s.Create(context.Background(), "alice", "bob", "no-such-chat", "hi", ""); !IsNotFound(err) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMarkReadBulkIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")

	mustMessage(t, s, "alice", "bob", c.ID, "one")
	mustMessage(t, s, "alice", "bob", c.ID, "two")
	sent := mustMessage(t, s, "bob", "alice", c.ID, "reply")

	count, readAt, err := s.MarkRead(ctx, c.ID, "bob")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if count != 2 || readAt.IsZero() {
		t.Fatalf("count=%d readAt=%v", count, readAt)
	}

	// Only messages addressed to the reader flip.
	got, _ := s.GetByID(ctx, sent.ID)
	if got.IsRead {
		t.Fatal("bob's own message must stay unread for alice")
	}

	again, _, err := s.MarkRead(ctx, c.ID, "bob")
	if err != nil || again != 0 {
		t.Fatalf("second MarkRead: count=%d err=%v", again, err)
	}
}

func TestEditKeepsOriginalTextOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")
	m := mustMessage(t, s, "alice", "bob", c.ID, "first")

	e1, err := s.Edit(ctx, m.ID, "alice", "second")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if e1.Text != "second" || e1.OriginalText != "first" || !e1.Edited || e1.EditedAt == nil {
		t.Fatalf("unexpected first edit: %+v", e1)
	}

	e2, err := s.Edit(ctx, m.ID, "alice", "third")
	if err != nil {
		t.Fatalf("second Edit: %v", err)
	}
	if e2.OriginalText != "first" {
		t.Fatalf("originalText overwritten: %q", e2.OriginalText)
	}
}

func TestEditAuthorization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")
	m := mustMessage(t, s, "alice", "bob", c.ID, "hello")

	if _, err := s.Edit(ctx, m.ID, "bob", "hijacked"); !IsForbidden(err) {
		t.Fatalf("receiver edit: want ErrForbidden, got %v", err)
	}
	if _, err := s.Edit(ctx, "missing", "alice", "x"); !IsNotFound(err) {
		t.Fatalf("missing id: want ErrNotFound, got %v", err)
	}

	if _, err := s.SoftDelete(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, err := s.Edit(ctx, m.ID, "alice", "after delete"); !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("edit after delete: want ErrAlreadyDeleted, got %v", err)
	}
}

func TestSoftDeleteTerminalAndMasked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")
	m := mustMessage(t, s, "alice", "bob", c.ID, "secret")

	if _, err := s.SoftDelete(ctx, m.ID, "bob"); !IsForbidden(err) {
		t.Fatalf("receiver delete: want ErrForbidden, got %v", err)
	}

	deletedAt, err := s.SoftDelete(ctx, m.ID, "alice")
	if err != nil || deletedAt.IsZero() {
		t.Fatalf("SoftDelete: %v %v", deletedAt, err)
	}
	if _, err := s.SoftDelete(ctx, m.ID, "alice"); !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("double delete: want ErrAlreadyDeleted, got %v", err)
	}

	// Text survives physically but renders masked.
	got, err := s.GetByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.Deleted() || got.Text != "secret" || got.DisplayText() != DeletedTextMask {
		t.Fatalf("unexpected deleted message: %+v", got)
	}
}

func TestPaginateNewestFirstWithBound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")

	m1 := mustMessage(t, s, "alice", "bob", c.ID, "m1")
	time.Sleep(2 * time.Millisecond)
	m2 := mustMessage(t, s, "bob", "alice", c.ID, "m2")
	time.Sleep(2 * time.Millisecond)
	m3 := mustMessage(t, s, "alice", "bob", c.ID, "m3")

	all, err := s.Paginate(ctx, c.ID, 0, time.Time{})
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	if len(all) != 3 || all[0].ID != m3.ID || all[2].ID != m1.ID {
		t.Fatalf("unexpected order: %+v", all)
	}

	older, err := s.Paginate(ctx, c.ID, 10, m3.CreatedAt)
	if err != nil {
		t.Fatalf("Paginate before: %v", err)
	}
	if len(older) != 2 || older[0].ID != m2.ID {
		t.Fatalf("unexpected bounded page: %+v", older)
	}

	one, err := s.Paginate(ctx, c.ID, 1, time.Time{})
	if err != nil || len(one) != 1 || one[0].ID != m3.ID {
		t.Fatalf("limit=1 page: %+v err=%v", one, err)
	}

	// Deleted messages never appear.
	if _, err := s.SoftDelete(ctx, m2.ID, "bob"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	rest, _ := s.Paginate(ctx, c.ID, 10, time.Time{})
	if len(rest) != 2 {
		t.Fatalf("deleted message surfaced: %+v", rest)
	}
}

func TestPaginateClampsLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")

	for i := 0; i < maxPageLimit+20; i++ {
		mustMessage(t, s, "alice", "bob", c.ID, "spam")
	}

	page, err := s.Paginate(ctx, c.ID, 10_000, time.Time{})
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	if len(page) != maxPageLimit {
		t.Fatalf("limit not clamped: %d", len(page))
	}
}

func TestPaginateConcurrentWithEdits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")
	m := mustMessage(t, s, "alice", "bob", c.ID, "v0")
	mustMessage(t, s, "bob", "alice", c.ID, "v reply")

	// Readers must hand out copies, never the structs writers mutate.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := s.Edit(ctx, m.ID, "alice", "v"+strconv.Itoa(i+1)); err != nil {
				t.Errorf("Edit: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := s.Paginate(ctx, c.ID, 10, time.Time{}); err != nil {
				t.Errorf("Paginate: %v", err)
				return
			}
			if _, err := s.Search(ctx, c.ID, "v", 10); err != nil {
				t.Errorf("Search: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	got, err := s.GetByID(ctx, m.ID)
	if err != nil || got.Text != "v200" || got.OriginalText != "v0" {
		t.Fatalf("final message: %+v err=%v", got, err)
	}
}

func TestSearchCaseInsensitive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")

	mustMessage(t, s, "alice", "bob", c.ID, "Let's get Coffee tomorrow")
	mustMessage(t, s, "bob", "alice", c.ID, "COFFEE sounds great")
	gone := mustMessage(t, s, "alice", "bob", c.ID, "coffee is cancelled")
	mustMessage(t, s, "bob", "alice", c.ID, "tea instead?")

	if _, err := s.SoftDelete(ctx, gone.ID, "alice"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	hits, err := s.Search(ctx, c.ID, "coffee", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("want 2 hits, got %+v", hits)
	}

	if _, err := s.Search(ctx, c.ID, "   ", 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty query: want ErrValidation, got %v", err)
	}
}

func TestUnreadCountScoping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	c1 := mustChat(t, s, "alice", "bob")
	c2 := mustChat(t, s, "bob", "carol")

	mustMessage(t, s, "alice", "bob", c1.ID, "one")
	mustMessage(t, s, "alice", "bob", c1.ID, "two")
	mustMessage(t, s, "carol", "bob", c2.ID, "three")
	gone := mustMessage(t, s, "alice", "bob", c1.ID, "deleted")
	if _, err := s.SoftDelete(ctx, gone.ID, "alice"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	total, err := s.UnreadCount(ctx, "bob", "")
	if err != nil || total != 3 {
		t.Fatalf("total unread = %d, %v", total, err)
	}
	scoped, err := s.UnreadCount(ctx, "bob", c1.ID)
	if err != nil || scoped != 2 {
		t.Fatalf("scoped unread = %d, %v", scoped, err)
	}
}

func TestSetActivePerCaller(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	c := mustChat(t, s, "alice", "bob")
	mustMessage(t, s, "alice", "bob", c.ID, "hi")

	if err := s.SetActive(ctx, c.ID, "alice", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := s.SetActive(ctx, c.ID, "mallory", false); !IsForbidden(err) {
		t.Fatalf("outsider SetActive: want ErrForbidden, got %v", err)
	}

	aliceChats, err := s.ListUserChats(ctx, "alice")
	if err != nil {
		t.Fatalf("ListUserChats: %v", err)
	}
	if len(aliceChats) != 0 {
		t.Fatalf("deactivated chat still listed for alice: %+v", aliceChats)
	}

	// The other participant's view is untouched.
	bobChats, err := s.ListUserChats(ctx, "bob")
	if err != nil {
		t.Fatalf("ListUserChats bob: %v", err)
	}
	if len(bobChats) != 1 || bobChats[0].OtherUserID != "alice" {
		t.Fatalf("bob's listing: %+v", bobChats)
	}
}

func TestListUserChatsOrderAndUnread(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()

	c1 := mustChat(t, s, "alice", "bob")
	c2 := mustChat(t, s, "alice", "carol")

	m1 := mustMessage(t, s, "bob", "alice", c1.ID, "from bob")
	if err := s.UpdateActivity(ctx, c1.ID, m1.ID); err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	m2 := mustMessage(t, s, "carol", "alice", c2.ID, "from carol")
	if err := s.UpdateActivity(ctx, c2.ID, m2.ID); err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}

	chats, err := s.ListUserChats(ctx, "alice")
	if err != nil {
		t.Fatalf("ListUserChats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("want 2 chats, got %d", len(chats))
	}
	// Most recently active first.
	if chats[0].OtherUserID != "carol" || chats[1].OtherUserID != "bob" {
		t.Fatalf("unexpected order: %+v", chats)
	}
	if chats[0].UnreadCount != 1 || chats[1].UnreadCount != 1 {
		t.Fatalf("unexpected unread counts: %+v", chats)
	}
	if chats[0].Chat.LastMessageID != m2.ID {
		t.Fatalf("lastMessageId not updated: %+v", chats[0].Chat)
	}
}
