package poller

import (
	"fmt"
	"strconv"
	"strings"

	"kpibot/internal/kpi"
	"kpibot/pkg/tgui"
)

const maxNameRunes = 64

// formatNewMessage renders the Telegram-HTML notification for one chat whose
// unread count increased.
func formatNewMessage(c kpi.Chat) string {
	return tgui.JoinH("\n",
		tgui.Raw("📨 You have a new message!\n"),
		tgui.Raw("👤 From: ")+tgui.B(peerName(c.User)),
		tgui.Raw("💼 Role: ")+orNotSpecified(c.User.Role),
		tgui.Raw("📊 Department: ")+orNotSpecified(c.User.Department),
		tgui.Raw("📮 Unread messages: ")+tgui.B(strconv.Itoa(c.UnreadCount)),
		tgui.Raw("🕐 Last message: ")+tgui.Esc(formatLastTime(c.LastTime)),
	).String()
}

// orNotSpecified escapes v, or renders an italic placeholder when empty.
func orNotSpecified(v string) tgui.H {
	v = strings.TrimSpace(v)
	if v == "" {
		return tgui.I("not specified")
	}
	return tgui.Esc(v)
}

func peerName(p kpi.Peer) string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name == "" {
		return fmt.Sprintf("user %d", p.ID)
	}
	return tgui.TruncRunes(name, maxNameRunes)
}

// formatLastTime turns the service's ISO-8601 timestamp into a compact
// "YYYY-MM-DD HH:MM:SS". The fractional part and zone suffix are dropped, not
// parsed; the value is display-only.
func formatLastTime(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "unknown"
	}
	if len(s) > 19 {
		s = s[:19]
	}
	return strings.Replace(s, "T", " ", 1)
}
