// Package keys derives store keys for one object type. Derivation is a
// pure function of (class, id, path segments): any two callers deriving
// the same logical key produce identical store keys.
//
// Layout:
//
//	<class>:<id>                object hash
//	<class>:<id>:_indices       per-object index manifest
//	<class>:<id>:<relation>     relation collections
//	<class>:_indices:<f>:<v>    index set for field f, value v
//	<class>:_id                 id sequence
//	<class>:_all                all ids of the class
//	<class>:_tmp:<uuid>         ephemeral query keys
package keys

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
)

type Namespace struct {
	Class string
}

const maxValueSegment = 64

// segment makes an index value safe for key embedding. Oversized or
// unsafe values are replaced by their hash; equal values still map to
// equal keys.
func segment(value string) string {
	if len(value) <= maxValueSegment && !strings.ContainsAny(value, ":\x00") {
		return value
	}
	return fmt.Sprintf("~%016x", xxhash.Sum64([]byte(value)))
}

func (ns Namespace) Object(id string) string {
	return ns.Class + ":" + id
}

func (ns Namespace) Manifest(id string) string {
	return ns.Class + ":" + id + ":_indices"
}

func (ns Namespace) Relation(id, name string) string {
	return ns.Class + ":" + id + ":" + name
}

func (ns Namespace) Index(field, value string) string {
	return ns.Class + ":_indices:" + field + ":" + segment(value)
}

func (ns Namespace) IDSeq() string {
	return ns.Class + ":_id"
}

func (ns Namespace) All() string {
	return ns.Class + ":_all"
}

func (ns Namespace) TempPrefix() string {
	return ns.Class + ":_tmp:"
}

// Temp returns a fresh ephemeral key; the caller owns its deletion.
func (ns Namespace) Temp() string {
	return ns.TempPrefix() + uuid.NewString()
}
