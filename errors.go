package leaseguard

import (
	"errors"

	"go-leaseguard/database"
)

var (
	// ErrChannelConflict is returned by a Channel when another consumer already owns it.
	ErrChannelConflict = errors.New("channel is consumed by another instance")

	// ErrInvalidNamespace is returned when the namespace contains invalid characters.
	ErrInvalidNamespace = errors.New("namespace must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// ErrEmptyFilter is returned by bulk deletes that would match every row.
	ErrEmptyFilter = database.ErrEmptyFilter

	// ErrTerminated is returned by Run when the guard has already shut down.
	ErrTerminated = errors.New("guard already terminated")
)
