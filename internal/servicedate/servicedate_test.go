package servicedate

import (
	"testing"
	"time"
	_ "time/tzdata"
)

func TestOf(t *testing.T) {
	toronto, err := time.LoadLocation("America/Toronto")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	tests := []struct {
		name   string
		ts     time.Time
		cutoff int
		want   string
	}{
		{
			name:   "one second before cutoff rolls back",
			ts:     time.Date(2024, 1, 10, 3, 59, 59, 0, time.UTC),
			cutoff: 4,
			want:   "2024-01-09",
		},
		{
			name:   "exactly at cutoff stays",
			ts:     time.Date(2024, 1, 10, 4, 0, 0, 0, time.UTC),
			cutoff: 4,
			want:   "2024-01-10",
		},
		{
			name:   "midnight rolls back across month",
			ts:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			cutoff: 4,
			want:   "2024-02-29",
		},
		{
			name:   "new year rolls back across year",
			ts:     time.Date(2025, 1, 1, 2, 30, 0, 0, time.UTC),
			cutoff: 4,
			want:   "2024-12-31",
		},
		{
			name:   "late evening stays",
			ts:     time.Date(2024, 1, 10, 23, 59, 59, 0, time.UTC),
			cutoff: 4,
			want:   "2024-01-10",
		},
		{
			name:   "zero cutoff never rolls back",
			ts:     time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
			cutoff: 0,
			want:   "2024-01-10",
		},
		{
			name:   "invalid cutoff uses default",
			ts:     time.Date(2024, 1, 10, 3, 0, 0, 0, time.UTC),
			cutoff: 42,
			want:   "2024-01-09",
		},
		{
			name:   "wall clock of own location is used",
			ts:     time.Date(2024, 11, 3, 1, 30, 0, 0, toronto),
			cutoff: 4,
			want:   "2024-11-02",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Of(tt.ts, tt.cutoff).String(); got != tt.want {
				t.Errorf("Of(%v, %d) = %s, want %s", tt.ts, tt.cutoff, got, tt.want)
			}
		})
	}
}

func TestOfEveryHour(t *testing.T) {
	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	for h := 0; h < 24; h++ {
		ts := base.Add(time.Duration(h) * time.Hour)
		got := Of(ts, DefaultCutoffHour).String()
		want := "2024-01-10"
		if h < DefaultCutoffHour {
			want = "2024-01-09"
		}
		if got != want {
			t.Errorf("hour %d: got %s, want %s", h, got, want)
		}
	}
}
