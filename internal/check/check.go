// Package check provides leveled internal consistency assertions.
//
// Recommended levels:
//   - 1: cheap (e.g. comparing two integers)
//   - 2: medium (e.g. validating a node held in memory)
//   - 3: expensive (e.g. reading a lot of data from disk)
//
// Assertions at a level above [Level] are skipped. A failed assertion
// panics: it signals a programmer error or corrupt on-disk state, and the
// engines make no attempt to recover from either.
package check

import "fmt"

// Level is the maximum assertion level to execute. Tests raise it to 3;
// performance-sensitive callers may lower it to 1 or 0.
var Level = 2

// Assert panics with a formatted message if cond is false and level is
// enabled.
func Assert(level int, cond bool, format string, args ...any) {
	if level > Level || cond {
		return
	}

	panic(fmt.Sprintf("assertion failed: "+format, args...))
}
