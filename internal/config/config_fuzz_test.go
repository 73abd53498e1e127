package config

import (
	"strings"
	"testing"
	"time"
)

func FuzzPollIntervalDuration(f *testing.F) {
	f.Add("")
	f.Add("1s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, interval string) {
		if strings.ContainsRune(interval, '\x00') {
			t.Skip()
		}

		got := PollConfig{Interval: interval}.IntervalDuration()

		parsed, err := time.ParseDuration(interval)
		if err != nil || parsed <= 0 {
			if got != time.Second {
				t.Fatalf("IntervalDuration() = %s, want default 1s for invalid input %q", got, interval)
			}
			return
		}

		if got != parsed {
			t.Fatalf("IntervalDuration() = %s, want %s", got, parsed)
		}
	})
}
