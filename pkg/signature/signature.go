// Package signature authenticates inbound webhooks and signs outbound ones.
//
// A signature is HMAC-SHA256(secret, timestamp ++ canonical(body)) rendered
// as "sha256=<hex>", where canonical is the RFC 8785 form of the JSON body.
// The timestamp travels in its own header and bounds replay.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"

	// DefaultMaxAge is how old a timestamp may be before it is rejected.
	DefaultMaxAge = 5 * time.Minute

	prefix = "sha256="
)

// Canonicalize returns the RFC 8785 serialization of a JSON document.
func Canonicalize(body []byte) ([]byte, error) {
	return jcs.Transform(body)
}

// Compute returns the hex HMAC of timestamp ++ canonical.
func Compute(secret []byte, timestamp string, canonical []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatTimestamp renders t the way signers put it in HeaderTimestamp.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp accepts ISO-8601 (RFC 3339) instants and, for senders
// that use epoch clocks, integer Unix milliseconds.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
