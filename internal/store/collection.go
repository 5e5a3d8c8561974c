package store

import (
	"github.com/roach88/txlog/internal/docsql"
)

// Collection is a named set of documents in the store.
type Collection = docsql.Collection

// sqlite stores canonical JSON text; ids are compared bytewise.
var sqlite = &docsql.Dialect{
	Table:     "documents",
	Param:     docsql.Question,
	BodyOut:   "body",
	ByID:      "id ASC COLLATE BINARY",
	Duplicate: ErrDuplicate,
}
