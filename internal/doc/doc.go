// Package doc provides the document value model shared by every other
// package.
//
// A document is an Object whose "_id" field holds its identifier. Values are
// restricted to a sealed set of types (Null, String, Int, Float, Bool, Array,
// Object) so that persisted records can be encoded canonically and compared
// byte-for-byte.
//
// Key design constraints:
//   - doc imports nothing internal; all other packages may import it
//   - Canonical JSON is the ONLY encoding used for value equality and for
//     structured values embedded in persisted update records
//   - Integers are int64 and floats always carry a fraction or exponent in
//     their encoding, so a decode never changes a value's type
package doc
