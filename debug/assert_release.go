//go:build !debug

// Package debug provides assertions that can be enabled with the debug build
// tag or will otherwise compile to no-ops, and the structured logger shared by
// the drivers.
//
// Assertions are not considered idiomatic Go, but they are useful to check
// invariants of code that runs in interrupt context.
package debug

// Guard assertions that need extra work to evaluate with `if debug.Enabled
// {...}`, so release builds drop them entirely.
const Enabled = false

// Assert panics if b is false.
func Assert(b bool, message string) {}
