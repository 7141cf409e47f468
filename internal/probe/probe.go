// Package probe asks the external status source whether the tracked person is
// awake.
package probe

import "context"

// Result is the outcome of one probe.
type Result int

const (
	// Unavailable means the source could not be reached or answered with an
	// error status. It carries no information about the tracked person.
	Unavailable Result = iota
	Awake
	Asleep
	// Unrecognized means the source answered but the body matched neither
	// token. Callers treat it like Unavailable.
	Unrecognized
)

func (r Result) String() string {
	switch r {
	case Awake:
		return "awake"
	case Asleep:
		return "asleep"
	case Unrecognized:
		return "unrecognized"
	default:
		return "unavailable"
	}
}

// OK reports whether the probe produced a usable answer.
func (r Result) OK() bool { return r == Awake || r == Asleep }

// Prober performs a single status lookup. Implementations must be safe for
// concurrent use and must not serialize independent callers.
type Prober interface {
	Probe(ctx context.Context) Result
}

// Func adapts a plain function to Prober.
type Func func(ctx context.Context) Result

func (f Func) Probe(ctx context.Context) Result { return f(ctx) }
