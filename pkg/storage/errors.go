package storage

import "errors"

var (
	// ErrNotFound if the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCollision if an item with the same id already exists.
	ErrCollision = errors.New("item already exists")

	// ErrJobTerminal if a write targeted a job already in a terminal state.
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrUnitOutOfRange if a recorded unit would move progress past the total.
	ErrUnitOutOfRange = errors.New("unit exceeds job total")
)
