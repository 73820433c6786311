package form

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Value is a single answer: absent, a scalar string, or an ordered set of
// strings (multi-choice). Absent, "" and the empty set are all treated as
// "not answered".
type Value struct {
	scalar string
	items  []string
	isList bool
}

// String wraps a scalar answer.
func String(s string) Value {
	return Value{scalar: s}
}

// List wraps a multi-choice answer. Blank entries are dropped and duplicates
// keep their first position.
func List(items ...string) Value {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return Value{items: out, isList: true}
}

// Zero is the absent value.
func Zero() Value {
	return Value{}
}

func (v Value) IsList() bool {
	return v.isList
}

func (v Value) Scalar() string {
	return v.scalar
}

// Items returns a copy of the list entries (nil for scalar values).
func (v Value) Items() []string {
	if !v.isList || len(v.items) == 0 {
		return nil
	}
	out := make([]string, len(v.items))
	copy(out, v.items)
	return out
}

// IsEmpty reports whether the value counts as "not answered".
func (v Value) IsEmpty() bool {
	if v.isList {
		return len(v.items) == 0
	}
	return strings.TrimSpace(v.scalar) == ""
}

func (v Value) Equal(o Value) bool {
	if v.IsEmpty() && o.IsEmpty() {
		return true
	}
	if v.isList != o.isList {
		return false
	}
	if v.isList {
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if v.items[i] != o.items[i] {
				return false
			}
		}
		return true
	}
	return v.scalar == o.scalar
}

// MarshalJSON encodes a scalar as a JSON string, a list as a JSON array and
// the absent value as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.isList {
		if v.items == nil {
			return json.Marshal([]string{})
		}
		return json.Marshal(v.items)
	}
	if v.scalar == "" {
		return []byte("null"), nil
	}
	return json.Marshal(v.scalar)
}

// UnmarshalJSON accepts a string, an array of strings, or null.
func (v *Value) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		*v = Value{}
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var items []string
		if err := json.Unmarshal(b, &items); err != nil {
			return fmt.Errorf("invalid answer list: %w", err)
		}
		*v = List(items...)
		return nil
	}
	var scalar string
	if err := json.Unmarshal(b, &scalar); err != nil {
		return fmt.Errorf("invalid answer value: %w", err)
	}
	*v = String(scalar)
	return nil
}
