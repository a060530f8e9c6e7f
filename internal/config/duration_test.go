package config

import (
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty means unset", raw: "", want: 0},
		{name: "whitespace means unset", raw: "  ", want: 0},
		{name: "seconds", raw: "5s", want: 5 * time.Second},
		{name: "compound", raw: "1m30s", want: 90 * time.Second},
		{name: "garbage", raw: "five seconds", wantErr: true},
		{name: "negative", raw: "-1s", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationField("poller.interval", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationOrDefault("poller.interval", "", 5*time.Second)
	if err != nil || got != 5*time.Second {
		t.Fatalf("got %v, %v; want default 5s", got, err)
	}
	got, err = ParseDurationOrDefault("poller.interval", "250ms", 5*time.Second)
	if err != nil || got != 250*time.Millisecond {
		t.Fatalf("got %v, %v; want 250ms", got, err)
	}
	if _, err := ParseDurationOrDefault("poller.interval", "nope", time.Second); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
