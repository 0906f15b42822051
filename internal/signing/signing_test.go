package signing

import "testing"

func TestSigner(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	sig := s.Sign("/uploads/abc-cat.png", 1700000000)
	if len(sig) == 0 {
		t.Fatalf("expected signature")
	}
	if !s.Validate("/uploads/abc-cat.png", "1700000000", sig) {
		t.Fatalf("expected signature to validate")
	}
	if s.Validate("/uploads/other.png", "1700000000", sig) {
		t.Fatalf("expected validation to fail for wrong path")
	}
	if s.Validate("/uploads/abc-cat.png", "42", sig) {
		t.Fatalf("expected validation to fail for wrong expiry")
	}
	if s.Validate("/uploads/abc-cat.png", "not-a-number", sig) {
		t.Fatalf("expected validation to fail for unparseable expiry")
	}
}
