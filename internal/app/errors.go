package app

import "errors"

var (
	// ErrBinderNotFound is returned when an operation names a binder the
	// registry does not know.
	ErrBinderNotFound = errors.New("app: binder not found")
	// ErrNoBinderSelected is returned when no binder exists to operate on.
	ErrNoBinderSelected = errors.New("app: no binder selected")
	// ErrPageLimit is returned when a binder already holds the maximum
	// number of pages.
	ErrPageLimit = errors.New("app: page limit reached")
	// ErrStorageFull is returned when usage is too high to add a page.
	ErrStorageFull = errors.New("app: storage almost full")
)
