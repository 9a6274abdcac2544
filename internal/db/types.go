package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringList stores a []string as a JSON array in a TEXT column, keeping
// list columns portable across sqlite and postgres. A nil list is stored
// as [].
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("db: StringList.Value: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value interface{}) error {
	raw, err := columnBytes(value, "StringList")
	if err != nil {
		return err
	}
	if raw == nil {
		*l = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("db: StringList.Scan: %w", err)
	}
	*l = out
	return nil
}

// Metadata stores a string-keyed JSON object in a TEXT column. Used for
// transport metadata and message payloads, whose shapes belong to the
// transport or message type rather than the schema. A nil map is stored
// as {}.
type Metadata map[string]interface{}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("db: Metadata.Value: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(value interface{}) error {
	raw, err := columnBytes(value, "Metadata")
	if err != nil {
		return err
	}
	if raw == nil {
		*m = nil
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("db: Metadata.Scan: %w", err)
	}
	*m = out
	return nil
}

// columnBytes normalizes a scanned TEXT value. sqlite hands back string,
// postgres may hand back []byte; NULL and empty are treated alike.
func columnBytes(value interface{}, typeName string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []byte(v), nil
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		return v, nil
	default:
		return nil, fmt.Errorf("db: %s.Scan: expected string or []byte, got %T", typeName, value)
	}
}
