package poller

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"kpibot/internal/kpi"
	"kpibot/internal/notifier"
	logx "kpibot/pkg/logx"
)

type fakeTokens struct {
	mu     sync.Mutex
	tokens map[int64]string
}

func newFakeTokens() *fakeTokens { return &fakeTokens{tokens: map[int64]string{}} }

func (f *fakeTokens) set(id int64, tok string) {
	f.mu.Lock()
	f.tokens[id] = tok
	f.mu.Unlock()
}

func (f *fakeTokens) AccessToken(id int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.tokens[id]
	return tok, ok
}

func (f *fakeTokens) Delete(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tokens[id]
	delete(f.tokens, id)
	return ok
}

// fakeAPI replays a script of chat-list results; past the end it repeats the
// last entry.
type fakeAPI struct {
	mu     sync.Mutex
	script []func() ([]kpi.Chat, error)
	calls  int
}

func (f *fakeAPI) ChatList(_ context.Context, _ string) ([]kpi.Chat, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	fn := f.script[i]
	f.mu.Unlock()
	return fn()
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	mu    sync.Mutex
	items []notifier.Notification
}

func (f *fakeSink) Enqueue(n notifier.Notification) error {
	f.mu.Lock()
	f.items = append(f.items, n)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) all() []notifier.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notifier.Notification, len(f.items))
	copy(out, f.items)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func chatsWith(unread int) []kpi.Chat {
	return []kpi.Chat{{
		User:        kpi.Peer{ID: 7, FirstName: "Lola", Role: "teacher"},
		UnreadCount: unread,
		LastTime:    "2026-08-27T14:03:11.123",
	}}
}

func fixed(unread int) func() ([]kpi.Chat, error) {
	return func() ([]kpi.Chat, error) { return chatsWith(unread), nil }
}

func newTestManager(t *testing.T, api *fakeAPI, tokens *fakeTokens, sink *fakeSink) *Manager {
	t.Helper()
	m := NewManager(Config{Interval: 5 * time.Millisecond}, tokens, api, sink, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		m.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return m
}

func TestNotifyOnlyOnIncrease(t *testing.T) {
	t.Parallel()
	tokens := newFakeTokens()
	tokens.set(1, "tok")
	// 2 (notify), 2 (no change), 0 (decrease, silent), 3 (notify), then idle.
	api := &fakeAPI{script: []func() ([]kpi.Chat, error){
		fixed(2), fixed(2), fixed(0), fixed(3), fixed(3),
	}}
	sink := &fakeSink{}
	m := newTestManager(t, api, tokens, sink)

	if !m.Spawn(1) {
		t.Fatal("Spawn returned false for a fresh user")
	}
	waitFor(t, "5 poll cycles", func() bool { return api.callCount() >= 5 })
	m.StopUser(1)
	waitFor(t, "loop exit", func() bool { return !m.Running(1) })

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("notifications = %d, want 2 (%+v)", len(got), got)
	}
	if !strings.Contains(got[0].Text, "Unread messages: <b>2</b>") ||
		!strings.Contains(got[1].Text, "Unread messages: <b>3</b>") {
		t.Fatalf("unexpected notification texts: %q, %q", got[0].Text, got[1].Text)
	}
	for _, n := range got {
		if n.Target.ChatID != 1 {
			t.Fatalf("notification targeted chat %d, want 1", n.Target.ChatID)
		}
	}
}

func TestSpawnIsIdempotent(t *testing.T) {
	t.Parallel()
	tokens := newFakeTokens()
	tokens.set(1, "tok")
	api := &fakeAPI{script: []func() ([]kpi.Chat, error){fixed(0)}}
	m := newTestManager(t, api, tokens, &fakeSink{})

	if !m.Spawn(1) {
		t.Fatal("first Spawn should start a loop")
	}
	if m.Spawn(1) {
		t.Fatal("second Spawn must be a no-op while the loop runs")
	}
	if !m.Running(1) {
		t.Fatal("expected loop registered")
	}
}

func TestUnauthorizedTearsDownSession(t *testing.T) {
	t.Parallel()
	tokens := newFakeTokens()
	tokens.set(1, "tok")
	api := &fakeAPI{script: []func() ([]kpi.Chat, error){
		func() ([]kpi.Chat, error) { return nil, kpi.ErrUnauthorized },
	}}
	sink := &fakeSink{}
	m := newTestManager(t, api, tokens, sink)

	m.Spawn(1)
	waitFor(t, "loop teardown", func() bool { return !m.Running(1) })

	if _, ok := tokens.AccessToken(1); ok {
		t.Fatal("session should be deleted after 401")
	}
	got := sink.all()
	if len(got) != 1 || !strings.Contains(got[0].Text, "expired") {
		t.Fatalf("expected one expiry notice, got %+v", got)
	}

	// A fresh login can spawn again.
	tokens.set(1, "tok2")
	if !m.Spawn(1) {
		t.Fatal("Spawn after teardown should start a new loop")
	}
}

func TestTransientErrorKeepsPolling(t *testing.T) {
	t.Parallel()
	tokens := newFakeTokens()
	tokens.set(1, "tok")
	api := &fakeAPI{script: []func() ([]kpi.Chat, error){
		func() ([]kpi.Chat, error) { return nil, context.DeadlineExceeded },
		fixed(1),
	}}
	sink := &fakeSink{}
	m := newTestManager(t, api, tokens, sink)

	m.Spawn(1)
	waitFor(t, "notification after transient error", func() bool { return len(sink.all()) == 1 })
	if !m.Running(1) {
		t.Fatal("loop must survive a transient error")
	}
	if _, ok := tokens.AccessToken(1); !ok {
		t.Fatal("session must survive a transient error")
	}
}

func TestLoopExitsWhenSessionGone(t *testing.T) {
	t.Parallel()
	tokens := newFakeTokens()
	tokens.set(1, "tok")
	api := &fakeAPI{script: []func() ([]kpi.Chat, error){fixed(0)}}
	m := newTestManager(t, api, tokens, &fakeSink{})

	m.Spawn(1)
	waitFor(t, "first cycle", func() bool { return api.callCount() >= 1 })

	tokens.Delete(1)
	waitFor(t, "loop exit after logout", func() bool { return !m.Running(1) })
}
