package doc

import (
	"fmt"
	"strings"
)

// Get returns the value at a dotted path ("a.b.c").
// Returns false if any segment is missing or an intermediate is not an Object.
func (obj Object) Get(path string) (Value, bool) {
	parts := strings.Split(path, ".")
	cur := obj
	for i, part := range parts {
		v, ok := cur[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(Object)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// Set stores v at a dotted path, creating intermediate objects as needed.
// Mutates obj in place; callers that need the original must Clone first.
// Returns an error if an intermediate segment holds a non-object value.
func (obj Object) Set(path string, v Value) error {
	if obj == nil {
		return fmt.Errorf("set %q: nil object", path)
	}
	parts := strings.Split(path, ".")
	cur := obj
	for i, part := range parts[:len(parts)-1] {
		next, exists := cur[part]
		if !exists {
			child := Object{}
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(Object)
		if !ok {
			return fmt.Errorf("set %q: %q is not an object", path, strings.Join(parts[:i+1], "."))
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = v
	return nil
}

// Unset removes the value at a dotted path.
// Reports whether a value was removed.
func (obj Object) Unset(path string) bool {
	parts := strings.Split(path, ".")
	cur := obj
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(Object)
		if !ok {
			return false
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if _, ok := cur[last]; !ok {
		return false
	}
	delete(cur, last)
	return true
}
