package value

// init registers the relational operators in terms of the `?` method,
// so any pair of types that specializes `?` automatically gets
// =, !=, <, >, <=, >= without repeating the comparison logic per type.
func init() {
	rel := func(test func(c int) bool) Callback {
		return func(args []Value) (Value, error) {
			c, err := Compare(args[0], args[1])
			if err != nil {
				return nil, err
			}
			return BoolValue(test(c)), nil
		}
	}
	Register("<", []*Type{TAny, TAny}, rel(func(c int) bool { return c < 0 }))
	Register(">", []*Type{TAny, TAny}, rel(func(c int) bool { return c > 0 }))
	Register("<=", []*Type{TAny, TAny}, rel(func(c int) bool { return c <= 0 }))
	Register(">=", []*Type{TAny, TAny}, rel(func(c int) bool { return c >= 0 }))

	// Equality falls back to hash+deep identity rather than failing
	// outright when `?` isn't specialized for a type pair (e.g. two
	// closures, two instances): different types are simply unequal.
	Register("=", []*Type{TAny, TAny}, func(args []Value) (Value, error) {
		return BoolValue(valuesEqual(args[0], args[1])), nil
	})
	Register("!=", []*Type{TAny, TAny}, func(args []Value) (Value, error) {
		return BoolValue(!valuesEqual(args[0], args[1])), nil
	})

	Register("not", []*Type{TAny}, func(args []Value) (Value, error) {
		return BoolValue(!Truthy(args[0])), nil
	})

	Register("+", []*Type{TString, TString}, func(args []Value) (Value, error) {
		return NewString(args[0].(*StringValue).S + args[1].(*StringValue).S), nil
	})
}

func valuesEqual(a, b Value) bool {
	if a.Type() == b.Type() {
		if c, err := Compare(a, b); err == nil {
			return c == 0
		}
	}
	return Hash(a) == Hash(b) && sameIdentity(a, b)
}

// sameIdentity is the fallback for types with no `?` specialization:
// equality degrades to Go pointer identity (schemas, instances,
// closures, listeners and events are all reference types in this
// engine, so this matches their intended semantics).
func sameIdentity(a, b Value) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	return ptrOf(a) == ptrOf(b) && ptrOf(a) != 0
}
