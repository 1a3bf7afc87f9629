package classes

// A class describes one persisted object type. Each Field has a kind
// that decides where its data lives and which subsystems see it:
// plain fields go to the attrs blob, serial fields to the cas-guarded
// serial blob, counters to their own hash fields, relations to
// collections under the owner key. Index declarations are per field;
// an indexed field may be derived, in which case it stores nothing and
// its values are recomputed from the persisted attributes on every
// index pass.

import "unicode/utf8"

type FieldKind byte

const (
	Plain        FieldKind = 'P'
	Serial       FieldKind = 'S'
	Counter      FieldKind = 'C'
	SetRelation  FieldKind = 'E'
	ListRelation FieldKind = 'L'
)

type Arity byte

const (
	Single Arity = '1'
	Multi  Arity = '*'
)

// Deriver computes the index values of a derived field from the
// object's persisted attributes. Must be pure.
type Deriver func(attrs map[string][]string) []string

type Field struct {
	Name   string
	Kind   FieldKind
	Arity  Arity
	Index  bool
	Target string // relation target class
	Derive Deriver
}

type Fields []Field

func hasUnsafeChars(text string) bool {
	for _, l := range text {
		if l < ' ' || l == ':' {
			return true
		}
	}
	return false
}

func (f Field) Valid() bool {
	if len(f.Name) == 0 || !utf8.ValidString(f.Name) || hasUnsafeChars(f.Name) {
		return false
	}
	switch f.Kind {
	case Plain:
		// derived fields exist only through their index
		if f.Derive != nil && !f.Index {
			return false
		}
	case Serial:
		// the serial group is disjoint from everything else
		if f.Index || f.Derive != nil {
			return false
		}
	case Counter:
		if f.Index || f.Derive != nil || f.Arity == Multi {
			return false
		}
	case SetRelation, ListRelation:
		if f.Index || f.Derive != nil || len(f.Target) == 0 {
			return false
		}
	default:
		return false
	}
	return true
}

func (fs Fields) FindName(name string) int {
	for i := 0; i < len(fs); i++ {
		if fs[i].Name == name {
			return i
		}
	}
	return -1
}

// Indexed returns the fields declared as indexes, in declaration order.
func (fs Fields) Indexed() (out Fields) {
	for _, f := range fs {
		if f.Index {
			out = append(out, f)
		}
	}
	return
}

func (fs Fields) OfKind(kind FieldKind) (out Fields) {
	for _, f := range fs {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return
}

func (fs Fields) HasSerial() bool {
	return len(fs.OfKind(Serial)) > 0
}
