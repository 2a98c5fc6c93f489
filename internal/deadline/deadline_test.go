package deadline

import (
	"testing"
	"time"
)

func TestZeroMeansNoDeadline(t *testing.T) {
	d := New(0)
	if d.Enabled() {
		t.Fatal("timeout_ms=0 should produce a disabled deadline")
	}
	if err := d.Check(time.Now()); err != nil {
		t.Errorf("disabled deadline should never error, got %v", err)
	}
	if d.Expired() {
		t.Errorf("disabled deadline should never expire")
	}
}

func TestDeadlineExpires(t *testing.T) {
	start := time.Now()
	d := New(1) // 1ms
	time.Sleep(5 * time.Millisecond)
	if err := d.Check(start); err == nil {
		t.Fatal("expected timeout error after deadline passed")
	}
	if !d.Expired() {
		t.Errorf("expected Expired() = true")
	}
}

func TestDeadlineNotYetExpired(t *testing.T) {
	start := time.Now()
	d := New(10_000)
	if err := d.Check(start); err != nil {
		t.Errorf("expected no error for a far-future deadline, got %v", err)
	}
	if d.Expired() {
		t.Errorf("expected Expired() = false")
	}
}

func TestCheckEveryOnlyChecksOnInterval(t *testing.T) {
	start := time.Now()
	d := New(1)
	time.Sleep(5 * time.Millisecond)

	if err := CheckEvery(d, start, 1, 4096); err != nil {
		t.Errorf("i=1 is not on the 4096 boundary, expected no check: %v", err)
	}
	if err := CheckEvery(d, start, 4096, 4096); err == nil {
		t.Errorf("i=4096 is on the boundary, expected timeout error")
	}
	if err := CheckEvery(d, start, 0, 4096); err == nil {
		t.Errorf("i=0 is on the boundary, expected timeout error")
	}
}
