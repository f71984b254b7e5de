package signature

import (
	"crypto/hmac"
	"encoding/hex"
	"strings"
	"time"

	"github.com/zoff-tech/go-contactsync/pkg/failures"
)

// Verifier checks inbound webhook signatures against a shared secret.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Verifier{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// WithClock replaces the clock used for freshness checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify returns nil when the request is authentic and fresh. Any failure
// is an authentication error coded INVALID_SIGNATURE or INVALID_TIMESTAMP.
func (v *Verifier) Verify(rawBody []byte, signatureHeader, timestampHeader string) error {
	signatureHeader = strings.TrimSpace(signatureHeader)
	timestampHeader = strings.TrimSpace(timestampHeader)
	if signatureHeader == "" || timestampHeader == "" {
		return failures.InvalidSignature("missing signature or timestamp header")
	}
	if !strings.HasPrefix(signatureHeader, prefix) {
		return failures.InvalidSignature("signature must use the sha256= scheme")
	}
	provided := strings.TrimPrefix(signatureHeader, prefix)
	if _, err := hex.DecodeString(provided); err != nil || provided == "" {
		return failures.InvalidSignature("signature is not valid hex")
	}

	ts, err := ParseTimestamp(timestampHeader)
	if err != nil {
		return failures.InvalidTimestamp("timestamp is not a valid instant")
	}
	age := v.now().Sub(ts)
	if age > v.maxAge || age < -v.maxAge {
		return failures.InvalidTimestamp("timestamp is outside the accepted window")
	}

	canonical, err := Canonicalize(rawBody)
	if err != nil {
		return failures.InvalidSignature("body cannot be canonicalized")
	}
	// Compute emits lowercase hex; the comparison is byte-exact and constant time.
	expected := Compute(v.secret, timestampHeader, canonical)
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return failures.InvalidSignature("signature mismatch")
	}
	return nil
}
