package signature

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-contactsync/pkg/failures"
)

const secret = "shared-secret"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func samplePayloads(t *testing.T) [][]byte {
	t.Helper()
	values := []any{
		map[string]any{"event": "contact.created", "id": "evt-1", "data": map[string]any{"id": "c1", "firstName": "A"}},
		map[string]any{"b": 2, "a": []any{1, "two", true, nil}},
		[]any{},
		"plain string",
	}
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		canonical, err := Canonicalize(b)
		require.NoError(t, err)
		out = append(out, canonical)
	}
	return out
}

func TestSignThenVerify_Accepts(t *testing.T) {
	signer := NewSigner(secret).WithClock(clock)
	verifier := NewVerifier(secret, DefaultMaxAge).WithClock(clock)

	for _, payload := range samplePayloads(t) {
		sig, err := signer.Sign(payload)
		require.NoError(t, err)
		assert.NoError(t, verifier.Verify(payload, sig.Value, sig.Timestamp))
	}
}

func TestVerify_AcceptsWithinWindow(t *testing.T) {
	verifier := NewVerifier(secret, DefaultMaxAge).WithClock(clock)
	payload := samplePayloads(t)[0]

	for _, age := range []time.Duration{0, time.Minute, 4*time.Minute + 59*time.Second} {
		sig, err := NewSigner(secret).SignAt(payload, fixedNow.Add(-age))
		require.NoError(t, err)
		assert.NoError(t, verifier.Verify(payload, sig.Value, sig.Timestamp), "age %s", age)
	}
}

func TestVerify_KeyOrderDoesNotMatter(t *testing.T) {
	verifier := NewVerifier(secret, DefaultMaxAge).WithClock(clock)
	sig, err := NewSigner(secret).SignAt([]byte(`{"a":1,"b":2}`), fixedNow)
	require.NoError(t, err)

	assert.NoError(t, verifier.Verify([]byte(`{ "b": 2, "a": 1 }`), sig.Value, sig.Timestamp))
}

func TestVerify_RejectsSingleBitPayloadMutation(t *testing.T) {
	verifier := NewVerifier(secret, DefaultMaxAge).WithClock(clock)

	for _, payload := range samplePayloads(t) {
		sig, err := NewSigner(secret).SignAt(payload, fixedNow)
		require.NoError(t, err)

		for i := range payload {
			for bit := 0; bit < 8; bit++ {
				mutated := append([]byte(nil), payload...)
				mutated[i] ^= 1 << bit
				err := verifier.Verify(mutated, sig.Value, sig.Timestamp)
				require.Error(t, err, "byte %d bit %d", i, bit)
				assert.True(t, failures.Is(err, failures.CodeInvalidSignature))
			}
		}
	}
}

func TestVerify_RejectsSingleBitSignatureMutation(t *testing.T) {
	verifier := NewVerifier(secret, DefaultMaxAge).WithClock(clock)
	payload := samplePayloads(t)[0]
	sig, err := NewSigner(secret).SignAt(payload, fixedNow)
	require.NoError(t, err)

	for i := range sig.Value {
		for bit := 0; bit < 8; bit++ {
			mutated := []byte(sig.Value)
			mutated[i] ^= 1 << bit
			assert.Error(t, verifier.Verify(payload, string(mutated), sig.Timestamp), "byte %d bit %d", i, bit)
		}
	}
}

func TestVerify_Rejections(t *testing.T) {
	verifier := NewVerifier(secret, DefaultMaxAge).WithClock(clock)
	payload := samplePayloads(t)[0]
	sig, err := NewSigner(secret).SignAt(payload, fixedNow)
	require.NoError(t, err)
	stale, err := NewSigner(secret).SignAt(payload, fixedNow.Add(-6*time.Minute))
	require.NoError(t, err)

	tests := []struct {
		name      string
		signature string
		timestamp string
		body      []byte
		code      string
	}{
		{"missing signature", "", sig.Timestamp, payload, failures.CodeInvalidSignature},
		{"missing timestamp", sig.Value, "", payload, failures.CodeInvalidSignature},
		{"wrong scheme", "md5=" + sig.Value[len(prefix):], sig.Timestamp, payload, failures.CodeInvalidSignature},
		{"not hex", "sha256=zz", sig.Timestamp, payload, failures.CodeInvalidSignature},
		{"unparsable timestamp", sig.Value, "yesterday", payload, failures.CodeInvalidTimestamp},
		{"stale timestamp", stale.Value, stale.Timestamp, payload, failures.CodeInvalidTimestamp},
		{"timestamp swapped", sig.Value, FormatTimestamp(fixedNow.Add(-time.Second)), payload, failures.CodeInvalidSignature},
		{"wrong secret", signWith(t, "other", payload), sig.Timestamp, payload, failures.CodeInvalidSignature},
		{"body not json", sig.Value, sig.Timestamp, []byte("{"), failures.CodeInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifier.Verify(tt.body, tt.signature, tt.timestamp)
			require.Error(t, err)
			assert.True(t, failures.Is(err, tt.code), "got %s", failures.TextCode(err))
		})
	}
}

func TestParseTimestamp_UnixMillis(t *testing.T) {
	ts, err := ParseTimestamp("1772366400000")
	require.NoError(t, err)
	assert.True(t, ts.Equal(fixedNow))
}

func signWith(t *testing.T, key string, payload []byte) string {
	t.Helper()
	sig, err := NewSigner(key).SignAt(payload, fixedNow)
	require.NoError(t, err)
	return sig.Value
}
