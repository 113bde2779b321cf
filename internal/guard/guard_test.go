package guard

import (
	"strings"
	"testing"
)

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("billing", "ValueError", "bad input", 300)
	b := Fingerprint("billing", "ValueError", "bad input", 300)
	if a != b {
		t.Fatalf("fingerprint not stable: %s vs %s", a, b)
	}
	if len(a) != GuardLength {
		t.Fatalf("fingerprint length %d, want %d", len(a), GuardLength)
	}
}

func TestFingerprintNormalization(t *testing.T) {
	a := Fingerprint("billing", "ValueError", "Bad   Input", 300)
	b := Fingerprint("BILLING", "valueerror", "  bad input  ", 300)
	if a != b {
		t.Fatalf("normalization should collapse case and whitespace: %s vs %s", a, b)
	}
}

func TestFingerprintDistinguishesFields(t *testing.T) {
	base := Fingerprint("billing", "ValueError", "bad input", 300)
	cases := map[string]string{
		"source":     Fingerprint("checkout", "ValueError", "bad input", 300),
		"error_type": Fingerprint("billing", "TypeError", "bad input", 300),
		"message":    Fingerprint("billing", "ValueError", "worse input", 300),
	}
	for field, fp := range cases {
		if fp == base {
			t.Errorf("changing %s did not change the fingerprint", field)
		}
	}
}

func TestFingerprintMessagePrefix(t *testing.T) {
	head := strings.Repeat("x", 300)
	a := Fingerprint("svc", "err", head+" tail one", 300)
	b := Fingerprint("svc", "err", head+" tail two", 300)
	if a != b {
		t.Fatalf("message beyond the prefix should not matter")
	}
	c := Fingerprint("svc", "err", "y"+head, 300)
	if c == a {
		t.Fatalf("message within the prefix must matter")
	}
}

func TestEncodeBase36Alphabet(t *testing.T) {
	fp := Fingerprint("svc", "err", "msg", 300)
	for _, r := range fp {
		if !strings.ContainsRune(base36Alphabet, r) {
			t.Fatalf("character %q outside base36 alphabet in %s", r, fp)
		}
	}
}
