package controller

import (
	"fmt"
	"strconv"
	"strings"

	"kpibot/internal/kpi"
	"kpibot/internal/session"
	"kpibot/pkg/tgui"
)

const maxNameRunes = 64

const (
	msgAskUsername = "👋 Welcome!\n\n" +
		"To receive message notifications, log in with your KPI account.\n" +
		"Send me your <b>phone number</b> (the one you use to sign in).\n\n" +
		"You can stop at any time with /cancel."

	msgAskPassword = "🔑 Now send your <b>password</b>.\n\n" +
		"Tip: delete your message afterwards, this chat keeps history."

	msgChecking = "🔄 Checking your credentials..."

	msgBadCredentials = "❌ Invalid phone number or password.\n\n" +
		"Send your <b>phone number</b> to try again, or /cancel to stop."

	msgServiceUnavailable = "⚠️ The account service is unavailable right now.\n" +
		"Please try /start again in a few minutes."

	msgNotLoggedIn = "You are not logged in. Use /start to log in."

	msgLoggedOut = "👋 Logged out. You will no longer receive notifications.\n" +
		"Use /start to log in again."

	msgLoginCancelled  = "Login cancelled. Use /start whenever you are ready."
	msgNothingToCancel = "Nothing to cancel."

	msgIdleHint = "Use /start to log in, or /status to see your account."

	msgCheckInFlight = "⏳ Still checking your previous attempt, one moment..."

	msgUnknownCommand = "🤔 I don't know that command.\n\n" +
		"Available commands:\n" +
		"/start — log in and enable notifications\n" +
		"/status — show your account\n" +
		"/logout — log out\n" +
		"/cancel — abort the login dialog"
)

func formatLoginSuccess(p *kpi.Profile) string {
	var b strings.Builder
	b.WriteString("✅ <b>Login successful!</b>\n")
	b.WriteString("You will now get a message here whenever something new arrives.\n\n")
	b.WriteString(formatProfile(p))
	return b.String()
}

func formatAlreadyLoggedIn(s *session.Session) string {
	name := profileName(&s.Profile)
	return fmt.Sprintf("✅ You are already logged in as %s.\n\n"+
		"/status — account details\n/logout — stop notifications", tgui.B(name))
}

func formatStatus(s *session.Session, polling bool) string {
	var b strings.Builder
	b.WriteString("📋 <b>Your account</b>\n\n")
	b.WriteString(formatProfile(&s.Profile))
	if polling {
		b.WriteString("\n\n🔔 Notifications: <b>on</b>")
	} else {
		b.WriteString("\n\n🔕 Notifications: <b>off</b> (log in again with /start)")
	}
	return b.String()
}

func formatProfile(p *kpi.Profile) string {
	dept := tgui.I("not specified")
	if p.Department != 0 {
		dept = tgui.Esc(strconv.Itoa(p.Department))
	}
	position := tgui.I("not specified")
	if v := strings.TrimSpace(p.Position); v != "" {
		position = tgui.Esc(v)
	}

	return tgui.JoinH("\n",
		tgui.Raw("👤 ")+tgui.B(profileName(p)),
		tgui.Raw("📞 Phone: ")+tgui.Esc(p.Phone),
		tgui.Raw("💼 Position: ")+position,
		tgui.Raw("📊 Department: ")+dept,
		tgui.Raw("⭐ Rating: ")+tgui.B(formatRating(p)),
	).String()
}

func profileName(p *kpi.Profile) string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name == "" {
		return "KPI user"
	}
	return tgui.TruncRunes(name, maxNameRunes)
}

func formatRating(p *kpi.Profile) string {
	s := trimFloat(p.Rating)
	if p.MaxBall > 0 {
		s += " / " + trimFloat(p.MaxBall)
	}
	if p.RatingExtra != 0 {
		extra := trimFloat(p.RatingExtra)
		if p.RatingExtra > 0 {
			extra = "+" + extra
		}
		s += " (" + extra + ")"
	}
	return s
}

// trimFloat renders a float without trailing zeros ("7.50" -> "7.5").
func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
