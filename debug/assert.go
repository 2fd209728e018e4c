//go:build debug

package debug

// Guard assertions that need extra work to evaluate with `if debug.Enabled
// {...}`, so release builds drop them entirely.
const Enabled = true

// Assert logs message and panics if b is false.
func Assert(b bool, message string) {
	if !b {
		Logger("assert").Error(message)
		panic(message)
	}
}
