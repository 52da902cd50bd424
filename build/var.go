package build

import "reflect"

// A Var holds one value per release track. Every field must be set, and the
// three values must share a single concrete type.
type Var struct {
	Standard interface{}
	Dev      interface{}
	Testing  interface{}
	// prevent unkeyed literals
	_ struct{}
}

// Select returns the field of v matching the current Release.
//
// The caller usually asserts the result back to its concrete type, and type
// assertions demand the exact type. A Var built from untyped constants
// carries their default types, so
//
//   type interval int
//   Select(Var{Standard: 1, Dev: 2, Testing: 3}).(interval)
//
// panics: the fields are plain ints. Spell the named type out in each field
// instead.
func Select(v Var) interface{} {
	if v.Standard == nil || v.Dev == nil || v.Testing == nil {
		panic("nil value in build variable")
	}
	st, dt, tt := reflect.TypeOf(v.Standard), reflect.TypeOf(v.Dev), reflect.TypeOf(v.Testing)
	if !dt.AssignableTo(st) || !tt.AssignableTo(st) {
		// AssignableTo rather than ConvertibleTo: the caller's type assertion
		// needs assignability, not mere convertibility.
		panic("build variables must have a single type")
	}
	switch Release {
	case "standard":
		return v.Standard
	case "dev":
		return v.Dev
	case "testing":
		return v.Testing
	default:
		panic("unrecognized Release: " + Release)
	}
}
