package utils

import "testing"

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("secret-a"))
	if len(a) != 16 {
		t.Fatalf("Expected 16 hex chars, got %q", a)
	}
	if a != Fingerprint([]byte("secret-a")) {
		t.Error("Fingerprint must be stable")
	}
	if a == Fingerprint([]byte("secret-b")) {
		t.Error("Different secrets must not share a fingerprint")
	}
	if HashBytes(nil)[:16] != Fingerprint(nil) {
		t.Error("Fingerprint must prefix the full hash")
	}
}
