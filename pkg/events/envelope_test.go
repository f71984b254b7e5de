package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-contactsync/pkg/failures"
)

func TestParseType(t *testing.T) {
	for _, typ := range Types {
		parsed, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)

		parsed, err = ParseType(typ.Action())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}

	_, err := ParseType("contact.merged")
	assert.Error(t, err)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "crm.contact.updated", ContactUpdated.Topic("crm"))
	assert.Equal(t, "contact.deleted", ContactDeleted.Topic(""))
	assert.Equal(t, []string{"crm.contact.created", "crm.contact.updated", "crm.contact.deleted"}, Topics("crm"))
}

func TestDecode_Created(t *testing.T) {
	body := []byte(`{"event":"contact.created","timestamp":"2026-01-02T03:04:05Z","id":"evt-1",
		"data":{"id":"c1","firstName":"A","lastName":"B","email":"a@b.com","createdAt":"2026-01-02T03:04:05Z","updatedAt":"2026-01-02T03:04:05Z"}}`)

	env, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, ContactCreated, env.Type())
	assert.Equal(t, "evt-1", env.ID)
	assert.Equal(t, "c1", env.SourceID())
}

func TestDecode_Deleted(t *testing.T) {
	body := []byte(`{"event":"contact.deleted","timestamp":"2026-01-02T03:04:05Z","id":"evt-2",
		"data":{"id":"c1","deletedAt":"2026-01-02T03:04:05Z"}}`)

	env, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, ContactDeleted, env.Type())
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"event":`},
		{"unknown event", `{"event":"contact.merged","timestamp":"t","id":"e","data":{}}`},
		{"missing id", `{"event":"contact.created","timestamp":"t","data":{}}`},
		{"missing data fields", `{"event":"contact.updated","timestamp":"t","id":"e","data":{"id":"c1"}}`},
		{"bad email", `{"event":"contact.created","timestamp":"t","id":"e","data":{"id":"c1","firstName":"A","lastName":"B","email":"nope","createdAt":"2026-01-02T03:04:05Z","updatedAt":"2026-01-02T03:04:05Z"}}`},
		{"deleted without deletedAt", `{"event":"contact.deleted","timestamp":"t","id":"e","data":{"id":"c1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, failures.Is(err, failures.CodeValidation))
		})
	}
}

func TestDecode_ReportsFieldNames(t *testing.T) {
	_, err := Decode([]byte(`{"event":"contact.updated","timestamp":"t","id":"e","data":{"id":"c1","firstName":"A","lastName":"B","email":"x","createdAt":"2026-01-02T03:04:05Z","updatedAt":"2026-01-02T03:04:05Z"}}`))
	require.Error(t, err)

	env := failures.ToEnvelope(err)
	fields, ok := env.Error.Details["fields"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "email", fields["data.email"])
}
