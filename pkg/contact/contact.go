// Package contact holds the canonical contact record and its per-field
// merge rules.
package contact

import (
	"maps"
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// ParseStatus lower-cases s and reports whether it is a known status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusInactive, StatusDeleted:
		return st, true
	default:
		return "", false
	}
}

type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Fields is the mutable field set of a contact.
type Fields struct {
	FirstName    string         `json:"firstName"`
	LastName     string         `json:"lastName"`
	Email        string         `json:"email"`
	Phone        string         `json:"phone"`
	Company      string         `json:"company"`
	Title        string         `json:"title"`
	Address      Address        `json:"address"`
	Tags         []string       `json:"tags"`
	CustomFields map[string]any `json:"customFields"`
}

// Contact is the canonical record. (Source, SourceID) is unique and Version
// grows by exactly one per successful mutation.
type Contact struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	SourceID string `json:"sourceId"`
	Fields
	Status    Status    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch carries the fields present in an incoming change. A nil member
// means "not present" and leaves the existing value alone.
type Patch struct {
	FirstName    *string
	LastName     *string
	Email        *string
	Phone        *string
	Company      *string
	Title        *string
	Address      *Address
	Tags         []string // nil when absent
	CustomFields map[string]any
	Status       *Status
}

// IsEmpty reports whether the patch carries no field at all.
func (p Patch) IsEmpty() bool {
	return p.FirstName == nil && p.LastName == nil && p.Email == nil &&
		p.Phone == nil && p.Company == nil && p.Title == nil &&
		p.Address == nil && p.Tags == nil && p.CustomFields == nil && p.Status == nil
}

// Merge applies p over f. Incoming non-nil values win, everything else is
// retained. Custom fields merge per key. The result never aliases f or p.
func Merge(f Fields, p Patch) Fields {
	out := f.Clone()
	assign(&out.FirstName, p.FirstName)
	assign(&out.LastName, p.LastName)
	assign(&out.Email, p.Email)
	assign(&out.Phone, p.Phone)
	assign(&out.Company, p.Company)
	assign(&out.Title, p.Title)
	if p.Address != nil {
		out.Address = *p.Address
	}
	if p.Tags != nil {
		out.Tags = slices.Clone(p.Tags)
	}
	for k, v := range p.CustomFields {
		out.CustomFields[k] = v
	}
	return out
}

// Clone returns a deep-enough copy with non-nil collections.
func (f Fields) Clone() Fields {
	out := f
	out.Tags = slices.Clone(f.Tags)
	if out.Tags == nil {
		out.Tags = []string{}
	}
	out.CustomFields = maps.Clone(f.CustomFields)
	if out.CustomFields == nil {
		out.CustomFields = map[string]any{}
	}
	return out
}

func assign(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
