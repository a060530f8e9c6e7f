// Package tgui contains small helpers for building Telegram message text:
// HTML escaping for ParseMode="HTML" and rune-safe truncation.
package tgui
