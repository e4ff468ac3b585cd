// Package conformance provides conformance tests for the fieldsync engine.
package conformance

import (
	"testing"
)

// TestConformance runs the device lifecycle against the in-process central service.
func TestConformance(t *testing.T) {
	harness, err := NewHarness(Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer harness.Close()

	harness.RunConformanceTests(t)
}

// TestConformanceInMemory repeats the lifecycle with the in-memory store.
func TestConformanceInMemory(t *testing.T) {
	harness, err := NewHarness(Config{DataDir: t.TempDir(), DatabaseDSN: "memory"})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer harness.Close()

	harness.RunConformanceTests(t)
}
