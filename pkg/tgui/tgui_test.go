package tgui

import "testing"

func TestEscAndTags(t *testing.T) {
	t.Parallel()
	if got := Esc("<a & b>").String(); got != "&lt;a &amp; b&gt;" {
		t.Fatalf("Esc = %q", got)
	}
	if got := B("x<y").String(); got != "<b>x&lt;y</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Code("a&b").String(); got != "<code>a&amp;b</code>" {
		t.Fatalf("Code = %q", got)
	}
}

func TestJoinHSkipsEmpty(t *testing.T) {
	t.Parallel()
	got := JoinH("\n", B("a"), Raw(""), Raw("  "), I("b")).String()
	if got != "<b>a</b>\n<i>b</i>" {
		t.Fatalf("JoinH = %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short untouched", "hello", 10, "hello"},
		{"exact untouched", "hello", 5, "hello"},
		{"truncated", "hello", 3, "hel…"},
		{"multibyte", "привет", 4, "прив…"},
		{"zero", "hello", 0, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncRunes(tt.in, tt.n); got != tt.want {
				t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}
