// Package console renders the bridge's live status screen and turns
// operator keystrokes into actions.
package console

// Verbosity controls how much of one stream the status screen shows.
type Verbosity int

const (
	Basic Verbosity = iota
	Normal
	Detailed
)

// Next returns the following level, wrapping from Detailed to Basic.
func (v Verbosity) Next() Verbosity {
	return (v.Clamp() + 1) % (Detailed + 1)
}

// Clamp maps out-of-range values, such as ones read from an older
// preferences store, to Basic.
func (v Verbosity) Clamp() Verbosity {
	if v < Basic || v > Detailed {
		return Basic
	}
	return v
}

func (v Verbosity) String() string {
	switch v {
	case Normal:
		return "normal"
	case Detailed:
		return "detailed"
	default:
		return "basic"
	}
}
