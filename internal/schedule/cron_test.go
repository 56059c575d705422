package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestValidateCron(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every minute", "* * * * *", false},
		{"hourly", "0 * * * *", false},
		{"daily at 9am", "0 9 * * *", false},
		{"weekdays", "30 8 * * 1-5", false},
		{"step values", "*/15 * * * *", false},
		{"empty", "", true},
		{"too few fields", "* * *", true},
		{"six fields", "0 0 * * * *", true},
		{"out of range", "99 * * * *", true},
		{"garbage", "not a cron", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCron(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCron(%q) = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCron) {
				t.Errorf("error should wrap ErrInvalidCron, got %v", err)
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	after := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	next, err := NextRun("0 9 * * *", after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	next, err = NextRun("*/15 * * * *", after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want = time.Date(2025, 6, 1, 12, 45, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if _, err := NextRun("bogus", after); err == nil {
		t.Error("NextRun with invalid expression should fail")
	}
}
