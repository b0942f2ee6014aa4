package utils_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/utils"
	"github.com/shopspring/decimal"
)

func TestRetry(t *testing.T) {
	cfg := utils.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

	calls := 0
	got, err := utils.Retry(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil || got != 42 || calls != 3 {
		t.Fatalf("Expected 42 after 3 calls, got %d after %d (%v)", got, calls, err)
	}

	boom := errors.New("boom")
	calls = 0
	_, err = utils.Retry(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) || calls != 3 {
		t.Errorf("Expected wrapped error after 3 calls, got %v after %d", err, calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	cfg := utils.RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	_, err := utils.Retry(ctx, cfg, func() (string, error) {
		calls++
		return "", errors.New("down")
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Errorf("Expected cancellation after one call, got %v after %d", err, calls)
	}
}

func TestFormatting(t *testing.T) {
	cases := map[time.Duration]string{
		1500 * time.Millisecond:    "1.5s",
		90 * time.Minute:           "1h 30m",
		49*time.Hour + time.Minute: "2d 1h 1m",
		5 * time.Minute:            "5m",
	}
	for d, want := range cases {
		if got := utils.FormatDuration(d); got != want {
			t.Errorf("FormatDuration(%v) = %q, want %q", d, got, want)
		}
	}

	if got := utils.FormatMoney(decimal.RequireFromString("1234.5"), "INR"); got != "₹1234.50" {
		t.Errorf("Unexpected INR format %q", got)
	}
	if got := utils.FormatMoney(decimal.NewFromInt(7), "CHF"); got != "7.00 CHF" {
		t.Errorf("Unexpected fallback format %q", got)
	}
}
