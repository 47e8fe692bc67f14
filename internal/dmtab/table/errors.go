// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package table

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfMemory             = errors.New("out of memory")
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrGap                     = errors.New("gap in table")
	ErrUnknownType             = errors.New("unknown target type")
	ErrTypeExists              = errors.New("target type already registered")
	ErrTypeInUse               = errors.New("target type in use")
	ErrConstructorFailed       = errors.New("target constructor failed")
	ErrInconsistent            = errors.New("inconsistent table")
	ErrConfigurationIncomplete = errors.New("configuration incomplete")
	ErrBadState                = errors.New("operation not allowed in table state")
)

// ConstructorError is returned by AddTarget when the constructor of the
// target type fails. Msg is the diagnostic the constructor left in
// Target.Error, or the error it returned.
type ConstructorError struct {
	Type string
	Msg  string

	cause error
}

func (e *ConstructorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Msg)
}

func (e *ConstructorError) Unwrap() []error {
	return []error{ErrConstructorFailed, e.cause}
}
