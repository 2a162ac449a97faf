package entities

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// RawJSON stores an opaque JSON document in a text column.
type RawJSON []byte

func (j RawJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *RawJSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = RawJSON(v)
	default:
		return fmt.Errorf("unsupported RawJSON source %T", src)
	}
	return nil
}

func (j RawJSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *RawJSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// JSONField stores a typed value as JSON text.
type JSONField[T any] struct {
	Data T
}

func (f JSONField[T]) Value() (driver.Value, error) {
	raw, err := json.Marshal(f.Data)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (f *JSONField[T]) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		var zero T
		f.Data = zero
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONField source %T", src)
	}
	return json.Unmarshal(raw, &f.Data)
}

func (f JSONField[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Data)
}

func (f *JSONField[T]) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &f.Data)
}
