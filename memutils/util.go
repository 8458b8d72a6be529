package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// CheckChunkSize verifies that a requested chunk size is positive and, once rounded up to
// granularity, still fits in a single page of pageSize bytes. It returns the rounded size.
func CheckChunkSize(size int, granularity uint, pageSize int) (int, error) {
	if size <= 0 {
		return 0, cerrors.Wrapf(ErrZeroSize, "requested %d bytes", size)
	}

	if size > pageSize {
		return 0, cerrors.Wrapf(ErrTooLarge, "requested %d bytes, page capacity is %d", size, pageSize)
	}

	rounded := AlignUp(size, granularity)
	if rounded < size || rounded > pageSize {
		return 0, cerrors.Wrapf(ErrTooLarge, "requested %d bytes (%d rounded), page capacity is %d", size, rounded, pageSize)
	}

	return rounded, nil
}
