// Package events defines the contact webhook envelope exchanged with the
// external CRM and the closed set of event types the pipeline understands.
package events

import (
	"fmt"
	"strings"
)

// Type is the closed set of contact event types.
type Type int

const (
	TypeUnknown Type = iota
	ContactCreated
	ContactUpdated
	ContactDeleted
)

// Types lists every supported type in declaration order.
var Types = []Type{ContactCreated, ContactUpdated, ContactDeleted}

// ParseType accepts both the wire name ("contact.created") and the stored
// action name ("created").
func ParseType(s string) (Type, error) {
	switch strings.TrimSpace(s) {
	case "contact.created", "created":
		return ContactCreated, nil
	case "contact.updated", "updated":
		return ContactUpdated, nil
	case "contact.deleted", "deleted":
		return ContactDeleted, nil
	default:
		return TypeUnknown, fmt.Errorf("unsupported event type %q", s)
	}
}

// String returns the wire name.
func (t Type) String() string {
	switch t {
	case ContactCreated:
		return "contact.created"
	case ContactUpdated:
		return "contact.updated"
	case ContactDeleted:
		return "contact.deleted"
	default:
		return "unknown"
	}
}

// Action returns the name persisted on inbound event rows.
func (t Type) Action() string {
	switch t {
	case ContactCreated:
		return "created"
	case ContactUpdated:
		return "updated"
	case ContactDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Topic is the bus topic carrying events of this type. There is one topic
// per event category.
func (t Type) Topic(prefix string) string {
	if prefix == "" {
		return t.String()
	}
	return prefix + "." + t.String()
}

// Topics returns the topics for every supported type.
func Topics(prefix string) []string {
	out := make([]string, 0, len(Types))
	for _, t := range Types {
		out = append(out, t.Topic(prefix))
	}
	return out
}

func (t Type) MarshalText() ([]byte, error) {
	if t == TypeUnknown {
		return nil, fmt.Errorf("cannot marshal unknown event type")
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
