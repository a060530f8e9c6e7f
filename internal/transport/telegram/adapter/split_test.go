package adapter

import (
	"strings"
	"testing"

	kit "kpibot/internal/transport"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 4000, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %#v", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("line one\n", 30)
	chunks := splitTelegramText(text, 100, "")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d has dangling newline: %q", i, c)
		}
	}
	joined := strings.Join(chunks, "\n")
	if strings.ReplaceAll(joined, "\n", "") != strings.ReplaceAll(text, "\n", "") {
		t.Fatal("content lost during splitting")
	}
}

func TestSplitTelegramTextAvoidsOpenTag(t *testing.T) {
	t.Parallel()
	// Force the window to end inside "<b>".
	text := strings.Repeat("x", 98) + "<b>bold</b>"
	chunks := splitTelegramText(text, 100, "HTML")
	if len(chunks) < 2 {
		t.Fatalf("expected a split, got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		open := strings.Count(c, "<")
		closed := strings.Count(c, ">")
		if open != closed {
			t.Fatalf("chunk %d splits inside a tag: %q", i, c)
		}
	}
}

func TestWebAppMarkup(t *testing.T) {
	t.Parallel()
	if webAppMarkup(nil) != nil {
		t.Fatal("nil button must produce nil markup")
	}
	rm := webAppMarkup(&kit.WebAppButton{Text: "Open", URL: "https://e.com"})
	if rm == nil {
		t.Fatal("expected markup")
	}
	if len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 1 {
		t.Fatalf("unexpected keyboard shape: %+v", rm.InlineKeyboard)
	}
	btn := rm.InlineKeyboard[0][0]
	if btn.Text != "Open" || btn.WebApp == nil || btn.WebApp.URL != "https://e.com" {
		t.Fatalf("unexpected button: %+v", btn)
	}
}
