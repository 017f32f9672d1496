package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Device is one enrolled client installation as the roster shows it.
type Device struct {
	DeviceID     string    `json:"deviceId"`
	IP           string    `json:"ip,omitempty"`
	City         string    `json:"city,omitempty"`
	Country      string    `json:"country,omitempty"`
	Permission   bool      `json:"permission"`
	RegisteredAt time.Time `json:"registeredAt"`
	SubmittedAt  time.Time `json:"timestamp,omitempty"`
	Record       *Record   `json:"record,omitempty"`
}

// Record is the enrollment form a device submits.
type Record struct {
	OwnerName   string `json:"ownerName"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Address     string `json:"address"`
}

// Message is one entry of a device's event log.
type Message struct {
	DeviceID string `json:"deviceId"`
	Kind     string `json:"kind"`
	Body     string `json:"body"`
	// Timestamp is epoch milliseconds as sent by the device. It is kept
	// raw; display code tolerates garbage.
	Timestamp string `json:"timestamp"`
}

// UnmarshalJSON accepts the timestamp as a JSON string or number.
func (m *Message) UnmarshalJSON(b []byte) error {
	type plain Message
	var aux struct {
		plain
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	raw := bytes.TrimSpace(aux.Timestamp)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		m.Timestamp = ""
	case raw[0] == '"':
		return json.Unmarshal(raw, &m.Timestamp)
	default:
		m.Timestamp = string(raw)
	}
	return nil
}

// FieldError names a record field that failed validation.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError lists every failing field of a record.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid record: " + strings.Join(parts, "; ")
}

var (
	ownerNamePattern = regexp.MustCompile(`^[\p{L} ]{2,}$`)
	phonePattern     = regexp.MustCompile(`^\+?[0-9]{6,15}$`)
	emailPattern     = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	whitespace       = regexp.MustCompile(`\s+`)
)

// Normalize trims every field and strips whitespace from the phone number.
func (r Record) Normalize() Record {
	return Record{
		OwnerName:   strings.TrimSpace(r.OwnerName),
		Email:       strings.TrimSpace(r.Email),
		PhoneNumber: whitespace.ReplaceAllString(r.PhoneNumber, ""),
		Address:     strings.TrimSpace(r.Address),
	}
}

// Validate checks a normalized record.
func (r Record) Validate() error {
	var fields []FieldError
	if len([]rune(r.Address)) < 4 {
		fields = append(fields, FieldError{"address", "must be at least 4 characters"})
	}
	if !ownerNamePattern.MatchString(r.OwnerName) {
		fields = append(fields, FieldError{"ownerName", "letters only, at least 2 characters"})
	}
	if r.PhoneNumber != "" && !phonePattern.MatchString(r.PhoneNumber) {
		fields = append(fields, FieldError{"phoneNumber", "allowed: + and 6-15 digits"})
	}
	if r.Email != "" && !emailPattern.MatchString(r.Email) {
		fields = append(fields, FieldError{"email", "not a valid address"})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// ErrEmptyDeviceID is returned for requests without a device identifier.
var ErrEmptyDeviceID = errors.New("deviceId is required")
