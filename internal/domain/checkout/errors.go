package checkout

import "errors"

var (
	// ErrAlreadyCheckedOut indicates another client holds an active lease.
	ErrAlreadyCheckedOut = errors.New("object already checked out")
	// ErrNotHolder indicates the caller does not hold the checkout it tried to release.
	ErrNotHolder = errors.New("client is not the checkout holder")
	// ErrNotCheckedOut indicates a mutation without an active checkout.
	ErrNotCheckedOut = errors.New("object not checked out by client")
	// ErrInvalidInput indicates an empty key or holder.
	ErrInvalidInput = errors.New("invalid checkout input")
)
