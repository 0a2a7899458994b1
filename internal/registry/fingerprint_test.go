package registry

import "testing"

func TestContentHashIsStableAndSensitive(t *testing.T) {
	a := contentHash(`[{"capability":"data_source","method":"contact.list"}]`)
	b := contentHash(`[{"capability":"data_source","method":"contact.list"}]`)
	c := contentHash(`[{"capability":"data_source","method":"contact.get"}]`)

	if a != b {
		t.Fatalf("same script produced different hashes: %s vs %s", a, b)
	}
	if a == c {
		t.Fatal("different scripts produced the same hash")
	}
	if len(a) != 64 {
		t.Fatalf("expected a 32-byte hex digest, got %d chars", len(a))
	}
}
