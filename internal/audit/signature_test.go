package audit_test

import (
	"errors"
	"testing"

	"github.com/andrewlasiter/fda-tools-sub000/internal/audit"
)

func testSignature(t *testing.T, key []byte) audit.Signature {
	t.Helper()
	sig, err := audit.Sign(audit.SignOptions{
		RecordHash: audit.ContentFingerprint("content"),
		SignerID:   "reviewer-1",
		SignerName: "Reviewer One",
		Meaning:    "Approved gate GATE_CLASSIFY for project proj-1",
		Now:        testClock,
	}, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func TestSignAndVerify(t *testing.T) {
	key := []byte("test-signing-key")
	sig := testSignature(t, key)
	if !sig.Verify(key) {
		t.Fatal("signature does not verify under the signing key")
	}
}

func TestVerifyWrongKey(t *testing.T) {
	sig := testSignature(t, []byte("key-a"))
	if sig.Verify([]byte("key-b")) {
		t.Fatal("signature verified under a different key")
	}
	if sig.Verify(nil) {
		t.Fatal("signature verified under an empty key")
	}
}

func TestVerifyDetectsFieldTampering(t *testing.T) {
	key := []byte("test-signing-key")
	cases := []struct {
		name   string
		mutate func(*audit.Signature)
	}{
		{"meaning", func(s *audit.Signature) { s.Meaning = "Rejected" }},
		{"signer", func(s *audit.Signature) { s.SignerID = "intruder" }},
		{"record hash", func(s *audit.Signature) { s.RecordHash = audit.ContentFingerprint("other") }},
		{"timestamp", func(s *audit.Signature) { s.Timestamp = s.Timestamp.Add(1) }},
		{"mac", func(s *audit.Signature) { s.MAC = "deadbeef" }},
	}
	for _, tc := range cases {
		sig := testSignature(t, key)
		tc.mutate(&sig)
		if sig.Verify(key) {
			t.Errorf("%s tampering not detected", tc.name)
		}
	}
}

func TestSignRequiresKey(t *testing.T) {
	_, err := audit.Sign(audit.SignOptions{
		RecordHash: audit.ContentFingerprint("content"),
		SignerID:   "reviewer-1",
		Meaning:    "approved",
	}, nil)
	if !errors.Is(err, audit.ErrSigningKeyMissing) {
		t.Fatalf("got %v, want ErrSigningKeyMissing", err)
	}
}

func TestSignRequiresIdentityAndHash(t *testing.T) {
	key := []byte("k")
	if _, err := audit.Sign(audit.SignOptions{RecordHash: "abc"}, key); err == nil {
		t.Fatal("expected error for empty signer id")
	}
	if _, err := audit.Sign(audit.SignOptions{SignerID: "u1"}, key); err == nil {
		t.Fatal("expected error for empty record hash")
	}
}
