// Provides common sohm error definitions.
package sohm_errors

import "errors"

var (
	ErrMissingIdentity = errors.New("sohm: object has no id yet")
	ErrIndexNotFound   = errors.New("sohm: field is not declared as an index")
	ErrCasViolation    = errors.New("sohm: cas token mismatch")
	ErrObjectUnknown   = errors.New("sohm: unknown object")
	ErrTypeUnknown     = errors.New("sohm: unknown object type")
	ErrFieldUnknown    = errors.New("sohm: unknown field for the type")
	ErrBadFieldValue   = errors.New("sohm: bad value for the field")

	ErrRoutineUnknown     = errors.New("sohm: routine fingerprint unknown")
	ErrRoutineUnsupported = errors.New("sohm: routine body not supported by the store")
	ErrBadClass           = errors.New("sohm: bad class description")
	ErrClosed             = errors.New("sohm: no store open")
)
