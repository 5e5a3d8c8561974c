package mutation

import (
	"errors"
	"fmt"
	"math"

	"github.com/roach88/txlog/internal/doc"
)

// ErrImmutableID is returned when an update targets the "_id" field.
var ErrImmutableID = errors.New("the _id field cannot be modified")

// ErrIntOverflow is returned when $inc on integers leaves the int64 range.
var ErrIntOverflow = errors.New("integer overflow")

// eachKey is the batched insertion modifier accepted by $push and $addToSet:
// {"$each": [v1, v2, ...]}.
const eachKey = "$each"

// Apply returns a copy of d with updates applied in order.
// d itself is never modified.
func Apply(d doc.Object, updates ...Update) (doc.Object, error) {
	out := d.Clone()
	if out == nil {
		out = doc.Object{}
	}
	for _, u := range updates {
		if err := applyUpdate(out, u); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ApplyMutation is Apply for a Mutation.
func ApplyMutation(d doc.Object, m Mutation) (doc.Object, error) {
	return Apply(d, m...)
}

func applyUpdate(d doc.Object, u Update) error {
	for _, f := range u.Fields {
		if f.Key == doc.IDField {
			return ErrImmutableID
		}
		if err := applyField(d, u.Command, f); err != nil {
			return fmt.Errorf("%s %q: %w", u.Command, f.Key, err)
		}
	}
	return nil
}

func applyField(d doc.Object, cmd Command, f Field) error {
	switch cmd {
	case Set:
		return d.Set(f.Key, doc.Clone(f.Value))

	case Unset:
		d.Unset(f.Key)
		return nil

	case Inc:
		cur, _ := d.Get(f.Key)
		sum, err := addNumbers(cur, f.Value)
		if err != nil {
			return err
		}
		return d.Set(f.Key, sum)

	case AddToSet, Push:
		arr, err := arrayAt(d, f.Key)
		if err != nil {
			return err
		}
		for _, v := range expandEach(f.Value) {
			if cmd == AddToSet && contains(arr, v) {
				continue
			}
			arr = append(arr, doc.Clone(v))
		}
		return d.Set(f.Key, arr)

	case Pull:
		if _, ok := d.Get(f.Key); !ok {
			return nil
		}
		arr, err := arrayAt(d, f.Key)
		if err != nil {
			return err
		}
		kept := make(doc.Array, 0, len(arr))
		for _, elem := range arr {
			if !doc.Equal(elem, f.Value) {
				kept = append(kept, elem)
			}
		}
		return d.Set(f.Key, kept)

	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd)
	}
}

// arrayAt returns a copy of the array at key, or an empty array when the
// field is missing.
func arrayAt(d doc.Object, key string) (doc.Array, error) {
	cur, ok := d.Get(key)
	if !ok {
		return doc.Array{}, nil
	}
	arr, ok := cur.(doc.Array)
	if !ok {
		return nil, fmt.Errorf("field is %T, not an array", cur)
	}
	out := make(doc.Array, len(arr))
	copy(out, arr)
	return out, nil
}

// expandEach unpacks {"$each": [...]} into its elements.
func expandEach(v doc.Value) []doc.Value {
	if obj, ok := v.(doc.Object); ok && len(obj) == 1 {
		if each, ok := obj[eachKey].(doc.Array); ok {
			return each
		}
	}
	return []doc.Value{v}
}

func contains(arr doc.Array, v doc.Value) bool {
	for _, elem := range arr {
		if doc.Equal(elem, v) {
			return true
		}
	}
	return false
}

// addNumbers implements $inc arithmetic. A missing current value counts as
// zero; Int+Int stays Int, anything involving a Float becomes Float. An
// Int sum outside int64 is an error rather than a wrapped value.
func addNumbers(cur, delta doc.Value) (doc.Value, error) {
	if cur == nil {
		cur = doc.Int(0)
	}
	switch c := cur.(type) {
	case doc.Int:
		switch d := delta.(type) {
		case doc.Int:
			if (d > 0 && c > math.MaxInt64-d) || (d < 0 && c < math.MinInt64-d) {
				return nil, fmt.Errorf("%w: %d + %d", ErrIntOverflow, c, d)
			}
			return c + d, nil
		case doc.Float:
			return doc.Float(float64(c) + float64(d)), nil
		}
	case doc.Float:
		switch d := delta.(type) {
		case doc.Int:
			return c + doc.Float(d), nil
		case doc.Float:
			return c + d, nil
		}
	default:
		return nil, fmt.Errorf("cannot increment non-numeric %T", cur)
	}
	return nil, fmt.Errorf("increment by non-numeric %T", delta)
}
