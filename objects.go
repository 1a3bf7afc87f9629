package sohm

import (
	"context"
	"strconv"

	"github.com/xxuejie/sohm/classes"
	"github.com/xxuejie/sohm/guard"
	"github.com/xxuejie/sohm/indexes"
	"github.com/xxuejie/sohm/keys"
	"github.com/xxuejie/sohm/sohm_errors"
)

// Object is the in-memory side of one persisted record. The mapper
// owns attribute state until Save; the store owns everything after.
// Objects never hold references to other live objects: relations
// resolve by id through a fresh lookup.
type Object struct {
	s     *Sohm
	class *classes.Class
	ns    keys.Namespace

	id            string
	attrs         map[string][]string
	serial        map[string][]string
	cas           uint64
	serialTouched bool
}

// NewObject creates a blank, unpersisted object. It has no id until
// the first Save, and cannot be indexed, counted or related before
// that.
func (s *Sohm) NewObject(className string) (*Object, error) {
	class, err := s.registry.Get(className)
	if err != nil {
		return nil, err
	}
	return &Object{
		s:      s,
		class:  class,
		ns:     namespace(class),
		attrs:  make(map[string][]string),
		serial: make(map[string][]string),
	}, nil
}

// Load fetches a persisted object by id.
func (s *Sohm) Load(ctx context.Context, className, id string) (*Object, error) {
	obj, err := s.NewObject(className)
	if err != nil {
		return nil, err
	}
	obj.id = id
	if err = obj.Reload(ctx); err != nil {
		return nil, err
	}
	return obj, nil
}

func (o *Object) Class() *classes.Class { return o.class }
func (o *Object) ID() string            { return o.id }
func (o *Object) IsNew() bool           { return o.id == "" }

// CasToken is the current version token of the serial attribute
// group; zero means the object never carried serial attributes.
func (o *Object) CasToken() uint64 { return o.cas }

func (o *Object) field(name string) (*classes.Field, error) {
	i := o.class.Fields.FindName(name)
	if i < 0 {
		return nil, sohm_errors.ErrFieldUnknown
	}
	return &o.class.Fields[i], nil
}

// Set assigns field values. No values unsets the field: a null over
// an existing value removes it on the next Save. Counter and relation
// fields are mutated through their own accessors, and derived fields
// are never assigned directly.
func (o *Object) Set(name string, values ...string) error {
	f, err := o.field(name)
	if err != nil {
		return err
	}
	if f.Derive != nil {
		return sohm_errors.ErrBadFieldValue
	}
	if f.Arity == classes.Single && len(values) > 1 {
		return sohm_errors.ErrBadFieldValue
	}
	var target map[string][]string
	switch f.Kind {
	case classes.Plain:
		target = o.attrs
	case classes.Serial:
		target = o.serial
		o.serialTouched = true
	default:
		return sohm_errors.ErrBadFieldValue
	}
	if len(values) == 0 {
		delete(target, name)
	} else {
		target[name] = values
	}
	return nil
}

func (o *Object) Unset(name string) error {
	return o.Set(name)
}

// Get returns the first value of a field.
func (o *Object) Get(name string) (string, bool) {
	values := o.Values(name)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func (o *Object) Values(name string) []string {
	if v, ok := o.attrs[name]; ok {
		return v
	}
	return o.serial[name]
}

func (o *Object) synchronizer() *indexes.Synchronizer {
	return indexes.NewSynchronizer(o.s.conn, o.ns, o.s.log)
}

// persistedIndexValues evaluates the declared index fields against the
// object's persisted attributes, freshly loaded from the store.
// Derived fields are computed from that persisted state.
func (o *Object) persistedIndexValues(ctx context.Context) (map[string][]string, error) {
	hash, err := o.s.conn.HGetAll(ctx, o.ns.Object(o.id))
	if err != nil {
		return nil, err
	}
	attrs := map[string][]string{}
	if blob, ok := hash["attrs"]; ok {
		if attrs, err = decodeAttrs(blob); err != nil {
			return nil, err
		}
	}
	values := make(map[string][]string)
	for _, f := range o.class.Fields.Indexed() {
		if f.Derive != nil {
			values[f.Name] = f.Derive(attrs)
		} else {
			values[f.Name] = attrs[f.Name]
		}
	}
	return values, nil
}

// Save persists the object: allocate an id when new, write the
// attribute payloads (through the concurrency guard when serial
// attributes were touched), then reconcile the index sets. A cas
// conflict surfaces as ErrCasViolation with nothing written; the
// caller reloads and resubmits.
func (o *Object) Save(ctx context.Context) error {
	conn := o.s.conn
	if o.IsNew() {
		seq, err := conn.Incr(ctx, o.ns.IDSeq())
		if err != nil {
			return err
		}
		o.id = strconv.FormatInt(seq, 10)
	}
	key := o.ns.Object(o.id)
	attrsBlob := encodeAttrs(o.attrs)

	if o.serialTouched {
		// an emptied plain group must still overwrite the persisted
		// blob; nil would make the guard skip the attrs write
		if attrsBlob == nil {
			attrsBlob = []byte{}
		}
		token, err := guard.Update(ctx, conn, key, o.cas, encodeAttrs(o.serial), attrsBlob)
		if err != nil {
			return err
		}
		o.cas = token
		o.serialTouched = false
		if err = conn.SAdd(ctx, o.ns.All(), o.id); err != nil {
			return err
		}
	} else {
		pipe := conn.Pipeline()
		pipe.HSet(key, map[string][]byte{"attrs": attrsBlob})
		pipe.SAdd(o.ns.All(), o.id)
		if err := pipe.Flush(ctx); err != nil {
			return err
		}
	}

	return o.synchronizer().Sync(ctx, o.id, o.class.Fields.Indexed(), o.persistedIndexValues)
}

// Reload replaces the in-memory state with the persisted one.
func (o *Object) Reload(ctx context.Context) error {
	if o.IsNew() {
		return sohm_errors.ErrMissingIdentity
	}
	hash, err := o.s.conn.HGetAll(ctx, o.ns.Object(o.id))
	if err != nil {
		return err
	}
	if len(hash) == 0 {
		return sohm_errors.ErrObjectUnknown
	}
	attrs := map[string][]string{}
	if blob, ok := hash["attrs"]; ok {
		if attrs, err = decodeAttrs(blob); err != nil {
			return err
		}
	}
	serial := map[string][]string{}
	if blob, ok := hash["serial"]; ok {
		if serial, err = decodeAttrs(blob); err != nil {
			return err
		}
	}
	o.cas = 0
	if raw, ok := hash["cas"]; ok {
		if o.cas, err = strconv.ParseUint(string(raw), 10, 64); err != nil {
			return err
		}
	}
	o.attrs = attrs
	o.serial = serial
	o.serialTouched = false
	return nil
}

// Delete removes the object hash, its index memberships, its manifest
// and its tracked relation collections.
func (o *Object) Delete(ctx context.Context) error {
	if o.IsNew() {
		return sohm_errors.ErrMissingIdentity
	}
	if err := o.synchronizer().Remove(ctx, o.id); err != nil {
		return err
	}
	pipe := o.s.conn.Pipeline()
	pipe.Del(o.ns.Object(o.id))
	for _, f := range o.class.Fields {
		if f.Kind == classes.SetRelation || f.Kind == classes.ListRelation {
			pipe.Del(o.ns.Relation(o.id, f.Name))
		}
	}
	pipe.SRem(o.ns.All(), o.id)
	return pipe.Flush(ctx)
}
