package host

import "fmt"

// MarshalError reports a host value that could not be converted. The
// registry is never touched when it is returned.
type MarshalError struct {
	Func string
	// Arg is the zero-based argument index, or -1 for an arity mismatch.
	Arg  int
	Want string
	Got  any
}

func (e *MarshalError) Error() string {
	if e.Arg < 0 {
		return fmt.Sprintf("%s: expected %s, got %d", e.Func, e.Want, e.Got)
	}
	return fmt.Sprintf("%s: argument %d: expected %s, got %T", e.Func, e.Arg+1, e.Want, e.Got)
}

func arity(fn string, args []any, min, max int) error {
	if len(args) < min || len(args) > max {
		want := fmt.Sprintf("%d arguments", min)
		switch {
		case min == max && min == 1:
			want = "1 argument"
		case min != max:
			want = fmt.Sprintf("%d to %d arguments", min, max)
		}
		return &MarshalError{Func: fn, Arg: -1, Want: want, Got: len(args)}
	}
	return nil
}

// PanicError is returned in place of a panic raised below the boundary.
type PanicError struct {
	Op    string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Op, e.Value)
}
