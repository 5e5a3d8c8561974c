package doc

// Selector identifies a single document by id, optionally guarded by
// top-level field equality constraints.
//
// The guard is how writers express "only if this document still carries
// transaction id X": a Selector that does not match leaves the document
// untouched and reports a count of zero.
type Selector struct {
	ID    string
	Match Object
}

// ByID returns a selector for the document with the given id.
func ByID(id string) Selector {
	return Selector{ID: id}
}

// Where returns a copy of the selector with an additional equality
// constraint on a top-level field.
func (s Selector) Where(field string, v Value) Selector {
	match := make(Object, len(s.Match)+1)
	for k, mv := range s.Match {
		match[k] = mv
	}
	match[field] = v
	return Selector{ID: s.ID, Match: match}
}

// Matches reports whether obj satisfies the selector.
// A nil object never matches.
func (s Selector) Matches(obj Object) bool {
	if obj == nil || obj.ID() != s.ID {
		return false
	}
	for field, want := range s.Match {
		got, ok := obj[field]
		if !ok || !Equal(got, want) {
			return false
		}
	}
	return true
}
