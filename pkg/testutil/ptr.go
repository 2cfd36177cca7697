// Package testutil provides shared test helper utilities.
package testutil

// Ptr returns a pointer to v. Optional manifest fields (retry limits,
// placeholder flags, severity overrides) are pointer-typed, and tests need
// literals for them without a temp variable per type.
func Ptr[T any](v T) *T { return &v }
