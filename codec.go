package sohm

import (
	"errors"
	"sort"

	"github.com/learn-decentralized-systems/toytlv"
)

// Attribute payloads travel as one compact TLV blob per group, so a
// save is one hash-set call regardless of how many attributes changed.
// The blob is a flat record sequence: an 'F' record per field name,
// each followed by a 'V' record per value. Absent fields are simply
// not encoded; decoding an empty blob yields an empty map.

var ErrBadAttrBlob = errors.New("sohm: corrupt attribute blob")

func encodeAttrs(attrs map[string][]string) []byte {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	var blob []byte
	for _, name := range names {
		if len(attrs[name]) == 0 {
			continue
		}
		blob = append(blob, toytlv.Record('F', []byte(name))...)
		for _, value := range attrs[name] {
			blob = append(blob, toytlv.Record('V', []byte(value))...)
		}
	}
	return blob
}

func decodeAttrs(blob []byte) (map[string][]string, error) {
	attrs := make(map[string][]string)
	var field string
	var started bool
	for len(blob) > 0 {
		lit, body, rest := toytlv.TakeAny(blob)
		if body == nil {
			return nil, ErrBadAttrBlob
		}
		switch lit {
		case 'F':
			field = string(body)
			started = true
			attrs[field] = nil
		case 'V':
			if !started {
				return nil, ErrBadAttrBlob
			}
			attrs[field] = append(attrs[field], string(body))
		default:
			return nil, ErrBadAttrBlob
		}
		blob = rest
	}
	return attrs, nil
}
