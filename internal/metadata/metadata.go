package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Map is an insertion-ordered string-to-string mapping used for the
// transaction audit trail. All persistence goes through
// MarshalJSON/UnmarshalJSON so there is exactly one serialization path.
type Map struct {
	keys   []string
	values map[string]string
}

// New returns an empty Map.
func New() *Map {
	return &Map{values: make(map[string]string)}
}

// FromPairs builds a Map from alternating key, value strings.
// Panics if pairs has odd length; callers always pass literals.
func FromPairs(pairs ...string) *Map {
	if len(pairs)%2 != 0 {
		panic("metadata: FromPairs requires an even number of arguments")
	}
	m := New()
	for i := 0; i < len(pairs); i += 2 {
		m.Set(pairs[i], pairs[i+1])
	}
	return m
}

// Set upserts a key. Existing keys keep their original position; new keys
// append at the end.
func (m *Map) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key and whether it was present.
func (m *Map) Get(key string) (string, bool) {
	if m == nil || m.values == nil {
		return "", false
	}
	v, ok := m.values[key]
	return v, ok
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Clone returns a deep copy preserving order.
func (m *Map) Clone() *Map {
	c := New()
	if m == nil {
		return c
	}
	for _, k := range m.keys {
		c.Set(k, m.values[k])
	}
	return c
}

// MarshalJSON encodes the map as a JSON object with keys in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil || len(m.keys) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving document key order.
func (m *Map) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("metadata: expected JSON object, got %v", tok)
	}

	m.keys = nil
	m.values = make(map[string]string)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("metadata: non-string key %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("metadata: value for %q: %w", key, err)
		}
		m.Set(key, value)
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	return nil
}

// Serialize returns the canonical JSON string stored in the database.
func (m *Map) Serialize() (string, error) {
	b, err := m.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Parse decodes the canonical JSON string read from the database.
// An empty string is treated as an empty map.
func Parse(raw string) (*Map, error) {
	m := New()
	if raw == "" {
		return m, nil
	}
	if err := m.UnmarshalJSON([]byte(raw)); err != nil {
		return nil, err
	}
	return m, nil
}
