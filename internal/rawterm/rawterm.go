// Package rawterm acquires raw terminal mode on stdin as a scoped
// resource, replacing the teacher's process-global terminal-state idiom
// (a package-level atexit restore) per the DESIGN NOTES re-architecture
// item on process-global terminal state: acquisition returns a restore
// closure the caller is responsible for invoking on every exit path,
// including signal-driven ones.
package rawterm

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdin is attached to a terminal. Guests run
// under mvvm without an interactive stdin (e.g. under a test harness or
// CI) should not attempt raw-mode acquisition at all.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Acquire puts stdin into raw mode and returns a restore function. The
// caller must call restore exactly once, on every code path that leaves
// the VM running or exits, to avoid leaving the user's shell in raw mode.
func Acquire() (restore func() error, err error) {
	state, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return nil, err
	}

	return func() error {
		return term.Restore(int(os.Stdin.Fd()), state)
	}, nil
}
