// Package mapper converts between the external CRM contact shape and the
// canonical contact. Both directions are pure.
package mapper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/zoff-tech/go-contactsync/pkg/contact"
)

// External field names that are not part of the rename table.
const (
	ExternalID            = "id"
	ExternalSchemaVersion = "schemaVersion"
	ExternalCreatedAt     = "createdAt"
	ExternalUpdatedAt     = "updatedAt"
	ExternalCustomFields  = "customFields"
	ExternalStatus        = "status"

	// CustomFieldPrefix marks flat custom fields, e.g. "cf_industry".
	CustomFieldPrefix = "cf_"
)

// Canonical field names.
const (
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldEmail     = "email"
	FieldPhone     = "phone"
	FieldCompany   = "company"
	FieldTitle     = "title"
	FieldAddress   = "address"
	FieldTags      = "tags"
	FieldStatus    = "status"
)

// FieldRename pairs an external field name with its canonical name.
type FieldRename struct {
	External  string
	Canonical string
}

// Renames is the external → canonical field table.
var Renames = []FieldRename{
	{External: "firstName", Canonical: FieldFirstName},
	{External: "lastName", Canonical: FieldLastName},
	{External: "email", Canonical: FieldEmail},
	{External: "phone", Canonical: FieldPhone},
	{External: "company", Canonical: FieldCompany},
	{External: "title", Canonical: FieldTitle},
	{External: "address", Canonical: FieldAddress},
	{External: "tags", Canonical: FieldTags},
	{External: ExternalStatus, Canonical: FieldStatus},
}

// ExternalRecord is a contact in the CRM's own shape, kept raw next to the
// canonical row.
type ExternalRecord struct {
	SourceID      string         `json:"sourceId"`
	SchemaVersion int            `json:"schemaVersion"`
	Fields        map[string]any `json:"fields"`
}

// Decode builds an ExternalRecord from a webhook data object.
func Decode(data []byte) (ExternalRecord, error) {
	fields := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&fields); err != nil {
		return ExternalRecord{}, fmt.Errorf("decode external contact: %w", err)
	}
	rec := ExternalRecord{Fields: fields}
	if id, ok := fields[ExternalID].(string); ok {
		rec.SourceID = id
	}
	if v, ok := fields[ExternalSchemaVersion].(float64); ok {
		rec.SchemaVersion = int(v)
	}
	delete(fields, ExternalSchemaVersion)
	return rec, nil
}

// Mapper converts records for one source system.
type Mapper struct {
	source string
}

func New(source string) *Mapper {
	return &Mapper{source: source}
}

func (m *Mapper) Source() string { return m.source }

// ToCanonical maps a full external record. Unmapped optional fields
// default to empty values and the status defaults to active.
func (m *Mapper) ToCanonical(rec ExternalRecord) contact.Contact {
	if NeedsMigration(rec) {
		rec = Migrate(rec)
	}
	patch := m.ToPatch(rec)
	c := contact.Contact{
		Source:   m.source,
		SourceID: rec.SourceID,
		Fields:   contact.Merge(contact.Fields{}, patch),
		Status:   contact.StatusActive,
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	return c
}

// ToPatch maps only the fields present (and non-null) in rec.
func (m *Mapper) ToPatch(rec ExternalRecord) contact.Patch {
	if NeedsMigration(rec) {
		rec = Migrate(rec)
	}
	var p contact.Patch
	for _, r := range Renames {
		raw, ok := rec.Fields[r.External]
		if !ok || raw == nil {
			continue
		}
		switch r.Canonical {
		case FieldFirstName:
			p.FirstName = stringPtr(raw)
		case FieldLastName:
			p.LastName = stringPtr(raw)
		case FieldEmail:
			p.Email = stringPtr(raw)
		case FieldPhone:
			p.Phone = stringPtr(raw)
		case FieldCompany:
			p.Company = stringPtr(raw)
		case FieldTitle:
			p.Title = stringPtr(raw)
		case FieldAddress:
			addr := toAddress(raw)
			p.Address = &addr
		case FieldTags:
			p.Tags = toStrings(raw)
		case FieldStatus:
			if st, ok := contact.ParseStatus(toString(raw)); ok {
				p.Status = &st
			}
		}
	}
	p.CustomFields = customFields(rec.Fields)
	return p
}

// ToExternal renders c in the external shape at CurrentSchemaVersion.
func (m *Mapper) ToExternal(c contact.Contact) ExternalRecord {
	fields := map[string]any{
		ExternalID: c.SourceID,
	}
	values := map[string]any{
		FieldFirstName: c.FirstName,
		FieldLastName:  c.LastName,
		FieldEmail:     c.Email,
		FieldPhone:     c.Phone,
		FieldCompany:   c.Company,
		FieldTitle:     c.Title,
		FieldAddress:   FormatAddress(c.Address),
		FieldTags:      cloneTags(c.Tags),
		FieldStatus:    FormatStatus(c.Status),
	}
	for _, r := range Renames {
		fields[r.External] = values[r.Canonical]
	}
	for k, v := range c.CustomFields {
		fields[CustomFieldPrefix+k] = v
	}
	if !c.CreatedAt.IsZero() {
		fields[ExternalCreatedAt] = c.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !c.UpdatedAt.IsZero() {
		fields[ExternalUpdatedAt] = c.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return ExternalRecord{
		SourceID:      c.SourceID,
		SchemaVersion: CurrentSchemaVersion,
		Fields:        fields,
	}
}

// MergeRaw overlays incoming raw fields on the stored ones key by key.
func MergeRaw(existing, incoming ExternalRecord) ExternalRecord {
	out := incoming
	out.Fields = maps.Clone(existing.Fields)
	if out.Fields == nil {
		out.Fields = map[string]any{}
	}
	for k, v := range incoming.Fields {
		out.Fields[k] = v
	}
	if out.SchemaVersion < existing.SchemaVersion {
		out.SchemaVersion = existing.SchemaVersion
	}
	return out
}

func customFields(fields map[string]any) map[string]any {
	var out map[string]any
	if nested, ok := fields[ExternalCustomFields].(map[string]any); ok {
		out = maps.Clone(nested)
	}
	for k, v := range fields {
		name, ok := strings.CutPrefix(k, CustomFieldPrefix)
		if !ok || name == "" {
			continue
		}
		if out == nil {
			out = map[string]any{}
		}
		out[name] = v
	}
	return out
}

func toAddress(raw any) contact.Address {
	switch v := raw.(type) {
	case string:
		return ParseAddress(v)
	case map[string]any:
		return contact.Address{
			Street:  toString(v["street"]),
			City:    toString(v["city"]),
			State:   toString(v["state"]),
			Zip:     toString(v["zip"]),
			Country: toString(v["country"]),
		}
	default:
		return contact.Address{}
	}
}

func toStrings(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return cloneTags(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := toString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return []string{}
		}
		return []string{v}
	default:
		return nil
	}
}

func toString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func stringPtr(raw any) *string {
	s := toString(raw)
	return &s
}

func cloneTags(tags []string) []string {
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}

// FormatStatus renders a status the way the CRM spells it, e.g. "Active".
func FormatStatus(s contact.Status) string {
	return titleCase(string(s))
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}
