package ledger

import (
	"testing"
	"time"
)

func TestRateEmptyAndSingle(t *testing.T) {
	l := New(2 * time.Second)
	now := time.Now()
	if r := l.Rate(now); r != 0 {
		t.Errorf("expected 0 rate with no samples, got %v", r)
	}
	l.Record(now, 100)
	if r := l.Rate(now); r != 0 {
		t.Errorf("expected 0 rate with a single sample, got %v", r)
	}
}

func TestRateAveragesOverWindow(t *testing.T) {
	l := New(2 * time.Second)
	t0 := time.Unix(0, 0)
	l.Record(t0, 100)
	l.Record(t0.Add(time.Second), 100)
	got := l.Rate(t0.Add(time.Second))
	if got <= 0 {
		t.Errorf("expected positive rate, got %v", got)
	}
}

func TestTrimDropsOldSamples(t *testing.T) {
	l := New(time.Second)
	t0 := time.Unix(0, 0)
	l.Record(t0, 1000)
	l.Record(t0.Add(5*time.Second), 10)
	// the first sample should have been trimmed by the time of the second
	got := l.Rate(t0.Add(5 * time.Second))
	if got != 0 {
		t.Errorf("expected 0 rate after trimming to a single remaining sample, got %v", got)
	}
}
