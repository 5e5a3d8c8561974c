// Package mutation implements the fixed set of document update commands,
// their persisted encoding, and the inverse operation calculator.
//
// Supported commands: $set, $unset, $inc, $addToSet, $push, $pull.
// Anything else is rejected with ErrUnsupportedCommand unless the caller
// supplies an explicit inverse.
package mutation

import (
	"errors"
	"fmt"
)

// Command names an update operator.
type Command string

const (
	// Set assigns field values.
	Set Command = "$set"
	// Unset removes fields.
	Unset Command = "$unset"
	// Inc adds a numeric delta to fields (missing fields count as zero).
	Inc Command = "$inc"
	// AddToSet appends a value to an array field unless already present.
	AddToSet Command = "$addToSet"
	// Push appends a value to an array field.
	Push Command = "$push"
	// Pull removes every element equal to a value from an array field.
	Pull Command = "$pull"
)

// Commands lists the supported commands in a stable order.
var Commands = []Command{Set, Unset, Inc, AddToSet, Push, Pull}

// ErrUnsupportedCommand is returned for commands outside the supported set.
var ErrUnsupportedCommand = errors.New("unsupported update command")

// Valid reports whether c is one of the supported commands.
func (c Command) Valid() bool {
	switch c {
	case Set, Unset, Inc, AddToSet, Push, Pull:
		return true
	default:
		return false
	}
}

// RestoresValue reports whether the inverse of c restores prior field
// values ($set, $unset, $inc) rather than applying an array operator.
func (c Command) RestoresValue() bool {
	switch c {
	case Set, Unset, Inc:
		return true
	default:
		return false
	}
}

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	c := Command(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCommand, s)
	}
	return c, nil
}
