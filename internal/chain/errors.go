package chain

import "errors"

// Chain errors. P2P uses ErrBlockKnown and ErrMissingParent to decide
// whether to ignore, or to fetch ancestors and retry.
var (
	// ErrBlockKnown means the block is already in the DAG. Not a failure.
	ErrBlockKnown = errors.New("block already known")

	// ErrMissingParent means a referenced tip is not in the DAG yet.
	// The block may become valid once its ancestors arrive.
	ErrMissingParent = errors.New("missing parent block")

	// ErrInvalidHeight means the declared height is not 1 + max tip height.
	ErrInvalidHeight = errors.New("block height does not match tips")

	// ErrTipConstraint covers tip rule violations: mutually reachable
	// tips or tips whose cumulative difficulty diverges beyond 9%.
	ErrTipConstraint = errors.New("tip constraint violation")

	// ErrFinalityViolation means the block builds on history below the
	// stability boundary. It is recorded as orphaned and never ordered.
	ErrFinalityViolation = errors.New("finality violation")

	// ErrDifficultyMismatch means the declared difficulty differs from
	// the required difficulty for the referenced tips.
	ErrDifficultyMismatch = errors.New("difficulty mismatch")

	// ErrTimestampBeforeParent means the block timestamp precedes one of
	// its parents.
	ErrTimestampBeforeParent = errors.New("block timestamp before parent")
)
