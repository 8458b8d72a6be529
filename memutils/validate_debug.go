//go:build debug_mem_utils

package memutils

import "fmt"

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugDoubleFree is called when a chunk handle is freed a second time. Release builds tolerate
// this silently; with the debug_mem_utils build tag present it panics so that callers holding
// stale handles are caught.
func DebugDoubleFree(handle uint64) {
	panic(fmt.Sprintf("chunk handle %#x was freed twice", handle))
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
