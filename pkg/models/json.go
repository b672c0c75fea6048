package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// JSON is a custom JSON type that implements driver.Valuer and sql.Scanner.
// It works with both PostgreSQL JSONB and SQLite JSON columns, which lets the
// test suite run on in-memory SQLite while production runs on Postgres.
type JSON json.RawMessage

// Value implements driver.Valuer interface for database writes.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	var tmp interface{}
	if err := json.Unmarshal(j, &tmp); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner interface for database reads.
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = JSON("null")
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to unmarshal JSON value: unsupported type")
	}

	var tmp interface{}
	if err := json.Unmarshal(bytes, &tmp); err != nil {
		return fmt.Errorf("invalid JSON in database: %w", err)
	}

	*j = JSON(bytes)
	return nil
}

// MarshalJSON implements json.Marshaler interface.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON implements json.Unmarshaler interface.
func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return errors.New("models.JSON: UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[0:0], data...)
	return nil
}

// IsNull reports whether the value is empty or JSON null.
func (j JSON) IsNull() bool {
	return len(j) == 0 || string(j) == "null"
}

// Unmarshal decodes the value into v.
func (j JSON) Unmarshal(v interface{}) error {
	if j.IsNull() {
		return nil
	}
	return json.Unmarshal(j, v)
}

// AsMap decodes the value into a map. Returns an empty map for JSON null.
func (j JSON) AsMap() (map[string]interface{}, error) {
	if j.IsNull() {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(j, &out); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return out, nil
}

// MustJSON marshals v or panics. Intended for static payloads and tests.
func MustJSON(v interface{}) JSON {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return JSON(data)
}

// StringSlice stores a []string as a JSON array column.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to unmarshal string slice: unsupported type")
	}

	var out []string
	if err := json.Unmarshal(bytes, &out); err != nil {
		return fmt.Errorf("invalid string slice in database: %w", err)
	}
	*s = out
	return nil
}
