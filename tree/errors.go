package tree

import "errors"

var (
	// ErrInvalidMove marks a proposal rejected on structural grounds before any stochastic
	// draw. It is a normal outcome of the sampler, not a failure.
	ErrInvalidMove = errors.New("invalid move")

	// ErrSerialization indicates a snapshot that cannot be turned back into a tree.
	ErrSerialization = errors.New("tree serialization mismatch")
)
