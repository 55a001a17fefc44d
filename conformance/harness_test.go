// Package conformance runs the harness against the in-tree implementation.
package conformance

import "testing"

// TestConformance runs the full conformance suite against the reference
// wiring (in-memory store, no-op publisher).
func TestConformance(t *testing.T) {
	h, err := NewHarness(Config{})
	if err != nil {
		t.Fatalf("NewHarness() error = %v", err)
	}
	t.Cleanup(h.Close)

	h.RunConformanceTests(t)
}
