package tgui

// TruncRunes caps s at n runes, appending an ellipsis when anything was cut.
// Used to keep user-supplied names from blowing up notification lines.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}
