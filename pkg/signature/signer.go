package signature

import (
	"time"
)

// Signature is what an outbound request carries in its headers.
type Signature struct {
	Value     string // "sha256=<hex>", sent as HeaderSignature
	Timestamp string // sent as HeaderTimestamp
}

// Signer produces signatures that Verifier accepts.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign signs a serialized JSON payload with the current time.
func (s *Signer) Sign(payload []byte) (Signature, error) {
	return s.SignAt(payload, s.now())
}

// SignAt signs payload with an explicit timestamp.
func (s *Signer) SignAt(payload []byte, at time.Time) (Signature, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return Signature{}, err
	}
	ts := FormatTimestamp(at)
	return Signature{
		Value:     prefix + Compute(s.secret, ts, canonical),
		Timestamp: ts,
	}, nil
}
