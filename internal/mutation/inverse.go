package mutation

import (
	"fmt"

	"github.com/roach88/txlog/internal/doc"
)

// InverseFunc computes the mutation that undoes u, given the document as it
// was immediately before u was applied. prior is nil when the document did
// not exist yet.
type InverseFunc func(prior doc.Object, u Update) (Mutation, error)

// Calculator maps update commands to their inverses.
//
// The default mapping is Inverse. Callers can replace the mapping for a
// single command with Override (including commands outside the supported
// set), and an explicit per-call inverse passed to Resolve always wins.
//
// A Calculator should be fully configured before it is shared; Override is
// not safe to call concurrently with Resolve.
type Calculator struct {
	overrides map[Command]InverseFunc
}

// NewCalculator creates a calculator using the default mapping.
func NewCalculator() *Calculator {
	return &Calculator{overrides: make(map[Command]InverseFunc)}
}

// Override replaces the inverse mapping for cmd.
func (c *Calculator) Override(cmd Command, fn InverseFunc) {
	c.overrides[cmd] = fn
}

// Inverse computes the inverse of u using any override for its command,
// falling back to the default mapping.
func (c *Calculator) Inverse(prior doc.Object, u Update) (Mutation, error) {
	if fn, ok := c.overrides[u.Command]; ok {
		return fn(prior, u)
	}
	return Inverse(prior, u)
}

// Resolve returns explicit when the caller supplied one, otherwise the
// calculated inverse.
func (c *Calculator) Resolve(prior doc.Object, u Update, explicit Mutation) (Mutation, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	return c.Inverse(prior, u)
}

// Inverse is the default inverse mapping:
//
//	$set(k=v), $unset(k), $inc(k=d) -> $set(k=prior) if k existed, else $unset(k)
//	$addToSet(k=v), $push(k=v)      -> $pull(k=v)
//	$pull(k=v)                      -> $addToSet(k=v)
//
// $inc restores the prior value rather than applying -d, so increments made
// by other writers in between are not folded into the undo.
//
// Known limitations, kept as-is:
//   - $addToSet(k=v) is not reversible when v was already present: the
//     inverse $pull removes it anyway. The same holds for batched $each.
//   - $push(k=v) inverts to $pull(k=v), which removes every occurrence of v,
//     not only the pushed one.
func Inverse(prior doc.Object, u Update) (Mutation, error) {
	switch u.Command {
	case Set, Unset, Inc:
		return restorePrior(prior, u), nil
	case AddToSet, Push:
		return Of(Update{Command: Pull, Fields: cloneFields(u.Fields)}), nil
	case Pull:
		return Of(Update{Command: AddToSet, Fields: cloneFields(u.Fields)}), nil
	default:
		return nil, fmt.Errorf("%w: %q (supply an explicit inverse)", ErrUnsupportedCommand, u.Command)
	}
}

// restorePrior builds $set for fields that existed in prior and $unset for
// fields that did not.
func restorePrior(prior doc.Object, u Update) Mutation {
	set := Update{Command: Set}
	unset := Update{Command: Unset}
	for _, f := range u.Fields {
		if v, ok := prior.Get(f.Key); ok {
			set.Fields = append(set.Fields, Field{Key: f.Key, Value: doc.Clone(v)})
			continue
		}
		unset.Fields = append(unset.Fields, Field{Key: f.Key, Value: doc.String("")})
	}
	return Of(set, unset)
}

func cloneFields(fields []Field) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = Field{Key: f.Key, Value: doc.Clone(f.Value)}
	}
	return out
}
