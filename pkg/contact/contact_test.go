package contact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func str(s string) *string { return &s }

func TestMerge_IncomingWinsOthersRetained(t *testing.T) {
	existing := Fields{
		FirstName:    "Ada",
		LastName:     "Lovelace",
		Email:        "ada@example.com",
		Phone:        "555-0100",
		Company:      "Analytical",
		Tags:         []string{"vip"},
		CustomFields: map[string]any{"tier": "gold", "region": "eu"},
	}
	patch := Patch{
		Email:        str("ada@engine.io"),
		Title:        str("Countess"),
		CustomFields: map[string]any{"tier": "platinum"},
	}

	merged := Merge(existing, patch)

	assert.Equal(t, "Ada", merged.FirstName)
	assert.Equal(t, "ada@engine.io", merged.Email)
	assert.Equal(t, "555-0100", merged.Phone)
	assert.Equal(t, "Countess", merged.Title)
	assert.Equal(t, []string{"vip"}, merged.Tags)
	assert.Equal(t, map[string]any{"tier": "platinum", "region": "eu"}, merged.CustomFields)

	// existing must not be mutated
	assert.Equal(t, "gold", existing.CustomFields["tier"])
}

func TestMerge_EmptyPatchKeepsEverything(t *testing.T) {
	existing := Fields{FirstName: "A", Address: Address{City: "Paris"}}
	merged := Merge(existing, Patch{})

	assert.Equal(t, "A", merged.FirstName)
	assert.Equal(t, "Paris", merged.Address.City)
	assert.Equal(t, []string{}, merged.Tags)
	assert.Equal(t, map[string]any{}, merged.CustomFields)
	assert.True(t, Patch{}.IsEmpty())
}

func TestMerge_ReplacesTagsAndAddress(t *testing.T) {
	existing := Fields{Tags: []string{"a", "b"}, Address: Address{City: "Paris", Country: "FR"}}
	merged := Merge(existing, Patch{Tags: []string{}, Address: &Address{City: "Lyon"}})

	assert.Equal(t, []string{}, merged.Tags)
	assert.Equal(t, Address{City: "Lyon"}, merged.Address)
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]Status{"Active": StatusActive, "INACTIVE": StatusInactive, " deleted ": StatusDeleted} {
		got, ok := ParseStatus(in)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := ParseStatus("archived")
	assert.False(t, ok)
}
