package mutation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/txlog/internal/doc"
)

// Field is one key/value pair of an update. Keys may be dotted paths.
type Field struct {
	Key   string
	Value doc.Value
}

// Update is a single command applied to an ordered list of fields.
type Update struct {
	Command Command
	Fields  []Field
}

// NewUpdate builds an Update from alternating key/value arguments, keeping
// argument order. Values are converted with doc.FromGo; it panics on bad
// arguments, so it is intended for literals and tests.
//
// Example: NewUpdate(Set, "state", "final")
func NewUpdate(cmd Command, kv ...any) Update {
	if len(kv)%2 != 0 {
		panic("mutation.NewUpdate: odd number of arguments")
	}
	u := Update{Command: cmd, Fields: make([]Field, 0, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("mutation.NewUpdate: key %v is not a string", kv[i]))
		}
		v, err := doc.FromGo(kv[i+1])
		if err != nil {
			panic(fmt.Sprintf("mutation.NewUpdate: key %q: %v", key, err))
		}
		u.Fields = append(u.Fields, Field{Key: key, Value: v})
	}
	return u
}

// FromObject builds an Update from a field map, ordering fields by key.
func FromObject(cmd Command, fields doc.Object) Update {
	u := Update{Command: cmd, Fields: make([]Field, 0, len(fields))}
	for _, k := range fields.SortedKeys() {
		u.Fields = append(u.Fields, Field{Key: k, Value: fields[k]})
	}
	return u
}

// Keys returns the field keys in order.
func (u Update) Keys() []string {
	keys := make([]string, len(u.Fields))
	for i, f := range u.Fields {
		keys[i] = f.Key
	}
	return keys
}

// Get returns the value for key.
func (u Update) Get(key string) (doc.Value, bool) {
	for _, f := range u.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// IsZero reports whether the update carries no command.
func (u Update) IsZero() bool {
	return u.Command == "" && len(u.Fields) == 0
}

// without returns a copy of u with key removed.
func (u Update) without(key string) Update {
	out := Update{Command: u.Command, Fields: make([]Field, 0, len(u.Fields))}
	for _, f := range u.Fields {
		if f.Key != key {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

// Mutation is an ordered list of updates applied one after another.
// Inverses are Mutations because restoring prior values may need both a
// $set (fields that existed) and an $unset (fields that did not).
type Mutation []Update

// Of wraps updates into a Mutation, dropping empty ones.
func Of(updates ...Update) Mutation {
	m := make(Mutation, 0, len(updates))
	for _, u := range updates {
		if len(u.Fields) > 0 {
			m = append(m, u)
		}
	}
	return m
}

// Keys returns every field key touched by the mutation, in order, without
// duplicates.
func (m Mutation) Keys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, u := range m {
		for _, f := range u.Fields {
			if !seen[f.Key] {
				seen[f.Key] = true
				keys = append(keys, f.Key)
			}
		}
	}
	return keys
}

// Restore returns a copy of m in which key is set back to prior (or unset
// when existed is false), replacing whatever m previously did to key.
func (m Mutation) Restore(key string, prior doc.Value, existed bool) Mutation {
	out := make(Mutation, 0, len(m)+1)
	for _, u := range m {
		trimmed := u.without(key)
		if len(trimmed.Fields) > 0 {
			out = append(out, trimmed)
		}
	}
	field := Field{Key: key, Value: doc.String("")}
	cmd := Unset
	if existed {
		field.Value = doc.Clone(prior)
		cmd = Set
	}
	for i := range out {
		if out[i].Command == cmd {
			out[i].Fields = append(out[i].Fields, field)
			return out
		}
	}
	return append(out, Update{Command: cmd, Fields: []Field{field}})
}

// Then appends updates to a copy of m.
func (m Mutation) Then(updates ...Update) Mutation {
	out := make(Mutation, 0, len(m)+len(updates))
	out = append(out, m...)
	return append(out, Of(updates...)...)
}

// storedUpdate is the persisted shape of an Update.
type storedUpdate struct {
	Command Command       `json:"command"`
	Data    []storedField `json:"data"`
}

// storedField keeps persisted records flat: object and array values are
// embedded as canonical JSON strings with JSON=true.
type storedField struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	JSON  bool            `json:"json,omitempty"`
}

// MarshalJSON encodes the update as {"command": ..., "data": [{key, value, json}]}.
func (u Update) MarshalJSON() ([]byte, error) {
	su := storedUpdate{Command: u.Command, Data: make([]storedField, 0, len(u.Fields))}
	for _, f := range u.Fields {
		sf, err := encodeField(f)
		if err != nil {
			return nil, err
		}
		su.Data = append(su.Data, sf)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(su); err != nil {
		return nil, fmt.Errorf("marshal update: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON decodes the flat persisted encoding.
func (u *Update) UnmarshalJSON(data []byte) error {
	var su storedUpdate
	if err := json.Unmarshal(data, &su); err != nil {
		return fmt.Errorf("unmarshal update: %w", err)
	}
	out := Update{Command: su.Command, Fields: make([]Field, 0, len(su.Data))}
	for _, sf := range su.Data {
		f, err := decodeField(sf)
		if err != nil {
			return err
		}
		out.Fields = append(out.Fields, f)
	}
	*u = out
	return nil
}

func encodeField(f Field) (storedField, error) {
	raw, err := doc.MarshalCanonical(f.Value)
	if err != nil {
		return storedField{}, fmt.Errorf("field %q: %w", f.Key, err)
	}
	if doc.IsScalar(f.Value) {
		return storedField{Key: f.Key, Value: raw}, nil
	}
	embedded, err := doc.MarshalCanonical(doc.String(raw))
	if err != nil {
		return storedField{}, fmt.Errorf("field %q: %w", f.Key, err)
	}
	return storedField{Key: f.Key, Value: embedded, JSON: true}, nil
}

func decodeField(sf storedField) (Field, error) {
	v, err := doc.UnmarshalValue(sf.Value)
	if err != nil {
		return Field{}, fmt.Errorf("field %q: %w", sf.Key, err)
	}
	if !sf.JSON {
		return Field{Key: sf.Key, Value: v}, nil
	}
	s, ok := v.(doc.String)
	if !ok {
		return Field{}, fmt.Errorf("field %q: embedded JSON value is not a string", sf.Key)
	}
	inner, err := doc.UnmarshalValue([]byte(s))
	if err != nil {
		return Field{}, fmt.Errorf("field %q: embedded JSON: %w", sf.Key, err)
	}
	return Field{Key: sf.Key, Value: inner}, nil
}
