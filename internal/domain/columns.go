package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Credits maps a bucket name to a unit count. It is stored as a JSON object.
type Credits map[string]int

// Clone returns an independent copy; a nil receiver yields an empty map.
func (c Credits) Clone() Credits {
	out := make(Credits, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Value implements driver.Valuer.
func (c Credits) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]int(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *Credits) Scan(src any) error {
	*c = nil
	return scanJSON(src, (*map[string]int)(c))
}

// RequestLog is an ordered list of request ids stored as a JSON array.
type RequestLog []string

// Value implements driver.Valuer.
func (r RequestLog) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(r))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (r *RequestLog) Scan(src any) error {
	*r = nil
	return scanJSON(src, (*[]string)(r))
}

// Contains reports whether id is present in the log.
func (r RequestLog) Contains(id string) bool {
	for _, v := range r {
		if v == id {
			return true
		}
	}
	return false
}

// JSON is an opaque JSON document persisted as text. The zero value and the
// literal null are both stored as SQL NULL.
type JSON json.RawMessage

// IsNull reports whether the document is absent or the JSON literal null.
func (j JSON) IsNull() bool { return len(j) == 0 || string(j) == "null" }

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if j.IsNull() {
		return nil, nil
	}
	if !json.Valid(j) {
		return nil, fmt.Errorf("domain: invalid JSON document")
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("domain: cannot scan %T into JSON", src)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSON) UnmarshalJSON(b []byte) error {
	if j == nil {
		return fmt.Errorf("domain: UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[:0], b...)
	return nil
}

// StringJSON encodes s as a JSON string document.
func StringJSON(s string) JSON {
	b, _ := json.Marshal(s)
	return JSON(b)
}

func scanJSON(src any, dst any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("domain: cannot scan %T into %T", src, dst)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
