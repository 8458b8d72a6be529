package memutils

import "github.com/pkg/errors"

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")
	// ErrInvalidHandle is returned when a chunk handle was never issued by the pool it was passed to
	ErrInvalidHandle error = errors.New("invalid chunk handle")
	// ErrWrongPool is returned when a chunk handle issued by one pool is passed to the other
	ErrWrongPool error = errors.New("chunk handle belongs to a different pool")
	// ErrChunkFreed is returned when an operation other than free is attempted on a freed chunk
	ErrChunkFreed error = errors.New("chunk has already been freed")
	// ErrNotMapped is returned when a host pointer is requested for a chunk whose page is not host-mapped
	ErrNotMapped error = errors.New("chunk's page is not host-mapped")
	// ErrZeroSize is returned when a chunk of zero or negative size is requested
	ErrZeroSize error = errors.New("chunk size must be positive")
	// ErrTooLarge is returned when a chunk larger than a single page is requested
	ErrTooLarge error = errors.New("chunk size exceeds page capacity")
)
