package host

import (
	"math"

	"github.com/qvcloud/mqbridge"
)

// number widens every numeric kind a host may hand over. Floats report
// whether they were integral; out-of-range values saturate.
func number(v any) (n int64, integral bool, ok bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true, true
	case int8:
		return int64(x), true, true
	case int16:
		return int64(x), true, true
	case int32:
		return int64(x), true, true
	case int64:
		return x, true, true
	case uint:
		return saturate(uint64(x)), true, true
	case uint8:
		return int64(x), true, true
	case uint16:
		return int64(x), true, true
	case uint32:
		return int64(x), true, true
	case uint64:
		return saturate(x), true, true
	case uintptr:
		return saturate(uint64(x)), true, true
	case float32:
		return fromFloat(float64(x))
	case float64:
		return fromFloat(x)
	}
	return 0, false, false
}

func saturate(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(u)
}

func fromFloat(f float64) (int64, bool, bool) {
	if math.IsNaN(f) {
		return 0, false, true
	}
	integral := !math.IsInf(f, 0) && f == math.Trunc(f)
	switch {
	case f >= math.MaxInt64:
		return math.MaxInt64, integral, true
	case f <= math.MinInt64:
		return math.MinInt64, integral, true
	}
	return int64(f), integral, true
}

// toInt converts an integer argument. Fractional numbers are rejected like
// any other wrong kind.
func toInt(fn string, args []any, i int) (int64, error) {
	n, integral, ok := number(args[i])
	if !ok || !integral {
		return 0, &MarshalError{Func: fn, Arg: i, Want: "integer", Got: args[i]}
	}
	return n, nil
}

// toHandle converts a handle argument. A number that cannot name an issued
// handle maps to zero, which the registry never issues, so the call fails
// with ErrNotFound instead of a marshal error.
func toHandle(fn string, args []any, i int) (mqbridge.Handle, error) {
	n, integral, ok := number(args[i])
	if !ok {
		return 0, &MarshalError{Func: fn, Arg: i, Want: "handle", Got: args[i]}
	}
	if !integral || n <= 0 || n > math.MaxUint32 {
		return 0, nil
	}
	return mqbridge.Handle(n), nil
}

func toString(fn string, args []any, i int) (string, error) {
	s, ok := args[i].(string)
	if !ok {
		return "", &MarshalError{Func: fn, Arg: i, Want: "string", Got: args[i]}
	}
	return s, nil
}

func toBool(fn string, args []any, i int) (bool, error) {
	b, ok := args[i].(bool)
	if !ok {
		return false, &MarshalError{Func: fn, Arg: i, Want: "bool", Got: args[i]}
	}
	return b, nil
}

func toHandler(fn string, args []any, i int) (mqbridge.MessageHandler, error) {
	switch h := args[i].(type) {
	case nil:
		return nil, nil
	case func(string):
		return h, nil
	case mqbridge.MessageHandler:
		return h, nil
	}
	return nil, &MarshalError{Func: fn, Arg: i, Want: "func(string)", Got: args[i]}
}
