package telemetry

import (
	"context"
	"testing"
)

func TestExportTarget(t *testing.T) {
	cases := []struct {
		endpoint string
		override bool
		target   string
		insecure bool
	}{
		{"localhost:4317", false, "localhost:4317", true},
		{"http://collector:4317/v1/metrics", false, "collector:4317", true},
		{"https://collector:4317", false, "collector:4317", false},
		{"https://collector:4317", true, "collector:4317", true},
	}
	for _, tc := range cases {
		target, insecure, err := exportTarget(tc.endpoint, tc.override)
		if err != nil {
			t.Fatalf("%s: %v", tc.endpoint, err)
		}
		if target != tc.target || insecure != tc.insecure {
			t.Fatalf("%s: got %s insecure=%v", tc.endpoint, target, insecure)
		}
	}
	if _, _, err := exportTarget("http://", false); err == nil {
		t.Fatalf("expected error for missing host")
	}
}

func TestNewProvider_NoEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), "  ", "test", false)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.MeterProvider == nil {
		t.Fatalf("expected a meter provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
