package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zoff-tech/go-contactsync/pkg/failures"
)

// Message header names set on every bus message.
const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
	HeaderSource    = "source"
)

// Envelope is the body of an inbound contact webhook.
type Envelope struct {
	Event     string          `json:"event" validate:"required,oneof=contact.created contact.updated contact.deleted"`
	Timestamp string          `json:"timestamp" validate:"required"`
	ID        string          `json:"id" validate:"required"`
	Data      json.RawMessage `json:"data" validate:"required"`
}

// Type returns the parsed event type, TypeUnknown when unsupported.
func (e Envelope) Type() Type {
	t, err := ParseType(e.Event)
	if err != nil {
		return TypeUnknown
	}
	return t
}

// ContactData is the payload of contact.created and contact.updated.
type ContactData struct {
	ID        string    `json:"id" validate:"required"`
	FirstName string    `json:"firstName" validate:"required"`
	LastName  string    `json:"lastName" validate:"required"`
	Email     string    `json:"email" validate:"required,email"`
	Phone     *string   `json:"phone,omitempty"`
	Company   *string   `json:"company,omitempty"`
	Title     *string   `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt" validate:"required"`
	UpdatedAt time.Time `json:"updatedAt" validate:"required"`
}

// DeletedData is the payload of contact.deleted.
type DeletedData struct {
	ID        string    `json:"id" validate:"required"`
	DeletedAt time.Time `json:"deletedAt" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// Decode parses and validates a webhook body. Every failure is a
// ValidationError listing the offending fields.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, failures.Validation("malformed event body", map[string]string{"body": err.Error()})
	}
	if err := validateStruct("", env); err != nil {
		return Envelope{}, err
	}

	switch env.Type() {
	case ContactCreated, ContactUpdated:
		var data ContactData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Envelope{}, failures.Validation("malformed contact data", map[string]string{"data": err.Error()})
		}
		if err := validateStruct("data.", data); err != nil {
			return Envelope{}, err
		}
	case ContactDeleted:
		var data DeletedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Envelope{}, failures.Validation("malformed deletion data", map[string]string{"data": err.Error()})
		}
		if err := validateStruct("data.", data); err != nil {
			return Envelope{}, err
		}
	case TypeUnknown:
		return Envelope{}, failures.Validation("unsupported event type", map[string]string{"event": env.Event})
	}
	return env, nil
}

// SourceID extracts data.id without validating the rest of the payload.
func (e Envelope) SourceID() string {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Data, &ref); err != nil {
		return ""
	}
	return ref.ID
}

func validateStruct(prefix string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return failures.Validation("invalid event", nil)
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[prefix+fe.Field()] = fe.Tag()
	}
	return failures.Validation("invalid event", fields)
}
