package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrSigningKeyMissing is returned when signing is attempted without a
// configured key. Substituting an ephemeral key would silently produce
// unverifiable signatures, so this halts the signing operation entirely.
var ErrSigningKeyMissing = errors.New("signing key not configured")

// Signature is an electronic signature: a keyed MAC binding a signer's
// identity and stated intent to a record fingerprint and timestamp. Created
// once at signing time; verification is a pure function of the signature
// and the key.
type Signature struct {
	SignerID   string    `json:"signer_id"`
	SignerName string    `json:"signer_name"`
	Meaning    string    `json:"meaning"`
	Timestamp  time.Time `json:"timestamp"`
	MAC        string    `json:"signature"`
	RecordHash string    `json:"record_hash"`
}

// SignOptions are the inputs to Sign.
type SignOptions struct {
	RecordHash string
	SignerID   string
	SignerName string
	Meaning    string

	// Now overrides the signing clock in tests.
	Now func() time.Time
}

// Sign produces a signature over (recordHash, signerID, meaning, timestamp)
// using HMAC-SHA256. The key must come from process-wide configuration;
// signing with an empty key is a hard failure.
func Sign(opts SignOptions, key []byte) (Signature, error) {
	if len(key) == 0 {
		return Signature{}, ErrSigningKeyMissing
	}
	if opts.SignerID == "" {
		return Signature{}, errors.New("signer id required")
	}
	if opts.RecordHash == "" {
		return Signature{}, errors.New("record hash required")
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	ts := now().UTC()
	return Signature{
		SignerID:   opts.SignerID,
		SignerName: opts.SignerName,
		Meaning:    opts.Meaning,
		Timestamp:  ts,
		MAC:        computeMAC(opts.RecordHash, opts.SignerID, opts.Meaning, ts, key),
		RecordHash: opts.RecordHash,
	}, nil
}

// Verify recomputes the MAC under key and compares in constant time.
func (s Signature) Verify(key []byte) bool {
	if len(key) == 0 {
		return false
	}
	expected := computeMAC(s.RecordHash, s.SignerID, s.Meaning, s.Timestamp, key)
	got, err := hex.DecodeString(s.MAC)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

func computeMAC(recordHash, signerID, meaning string, ts time.Time, key []byte) string {
	msg := strings.Join([]string{recordHash, signerID, meaning, ts.UTC().Format(time.RFC3339Nano)}, "|")
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
