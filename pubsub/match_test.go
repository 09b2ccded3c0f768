package pubsub

import "testing"

func TestDefaultMatch(t *testing.T) {
	cases := []struct {
		pattern, channel string
		want             bool
	}{
		{"news.*", "news.weather", true},
		{"news.*", "news.weather.today", false},
		{"news.**", "news.weather.today", true},
		{"news.**", "news", true},
		{"**", "a.b.c", true},
		{"a.**.z", "a.z", true},
		{"a.**.z", "a.b.c.z", true},
		{"a.**.z", "a.b.c.y", false},
		{"news.?eather", "news.weather", true},
		{"exact.channel", "exact.channel", true},
		{"exact.channel", "exact.channels", false},
	}
	for _, c := range cases {
		got := DefaultMatch(c.pattern, c.channel)
		if got != c.want {
			t.Errorf("DefaultMatch(%q, %q) = %v, want %v", c.pattern, c.channel, got, c.want)
		}
	}
}
