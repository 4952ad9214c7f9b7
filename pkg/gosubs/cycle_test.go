package gosubs

import (
	"testing"
	"time"
)

func TestCycleEnd(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		cycle BillingCycle
		want  time.Time
	}{
		{
			name:  "Monthly mid-month",
			start: time.Date(2023, 1, 10, 9, 30, 0, 0, time.UTC),
			cycle: CycleMonthly,
			want:  time.Date(2023, 2, 10, 9, 30, 0, 0, time.UTC),
		},
		{
			name:  "Monthly clipped to February",
			start: time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC),
			cycle: CycleMonthly,
			want:  time.Date(2023, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "Monthly leap year",
			start: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			cycle: CycleMonthly,
			want:  time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "Monthly crosses year boundary",
			start: time.Date(2023, 12, 15, 0, 0, 0, 0, time.UTC),
			cycle: CycleMonthly,
			want:  time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "Yearly from leap day",
			start: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
			cycle: CycleYearly,
			want:  time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cycleEnd(tt.start, tt.cycle)
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNthCycleEnd_KeepsAnniversary(t *testing.T) {
	start := time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC)

	// Chaining cycleEnd would drift to the 28th; computing from start does not.
	if got := nthCycleEnd(start, CycleMonthly, 2); !got.Equal(time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("second cycle end: got %v", got)
	}
	if got := nthCycleEnd(start, CycleMonthly, 3); !got.Equal(time.Date(2023, 4, 30, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("third cycle end: got %v", got)
	}
	if got := nthCycleEnd(start, CycleYearly, 1); !got.Equal(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("yearly: got %v", got)
	}
}

func TestTrialEnd(t *testing.T) {
	start := time.Date(2023, 2, 20, 12, 0, 0, 0, time.UTC)
	if got := trialEnd(start, 14); !got.Equal(time.Date(2023, 3, 6, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("got %v", got)
	}
}
