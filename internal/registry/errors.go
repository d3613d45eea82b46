package registry

import "errors"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrAlreadyRegistered  = errors.New("connection already registered")
	ErrClosed             = errors.New("registry closed")
)
