package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrCapabilityUnavailable is returned when the host rejects the accelerated
	// device capability requested at kernel creation.
	ErrCapabilityUnavailable = errors.New("device capability unavailable")
)
