package diagnostics

import (
	"context"
	"os"
	"testing"
)

func TestSampler_Sample(t *testing.T) {
	snap := NewSampler().Sample(context.Background())
	if snap.PID != int32(os.Getpid()) {
		t.Fatalf("unexpected pid %d", snap.PID)
	}
	if snap.Goroutines < 1 {
		t.Fatalf("expected goroutines, got %d", snap.Goroutines)
	}
	if snap.UptimeSeconds < 0 {
		t.Fatalf("negative uptime")
	}
}
