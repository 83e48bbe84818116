package value

// Ref is a mutable one-slot cell. Every frame slot is one, including a
// constant's (declared with `def`): the compiler rejects assignment to a
// def'd name, so there is no separate Ref variant for a constant.
type Ref struct {
	slot Value
}

var TRef = NewType("reference", TAny)

func NewRef(v Value) *Ref {
	if v == nil {
		v = Nil
	}
	return &Ref{slot: v}
}

func (*Ref) Kind() Kind  { return KRef }
func (*Ref) Type() *Type { return TRef }

func (r *Ref) Get() Value    { return r.slot }
func (r *Ref) Set(v Value)   { r.slot = v }

func init() {
	TRef.DerefFn = func(v Value) (Value, error) { return v.(*Ref).Get(), nil }
	TRef.AssignFn = func(v Value, newValue Value) error { v.(*Ref).Set(newValue); return nil }
}

// Deref reads through a reference, or returns v unchanged for any other
// type (defaultDeref is identity).
func Deref(v Value) (Value, error) {
	return v.Type().DerefFn(v)
}

// Assign writes through a reference, or fails TypeError for any other
// type (defaultAssign errors).
func Assign(v Value, newValue Value) error {
	return v.Type().AssignFn(v, newValue)
}

// Next advances an iterator-like value in place, reporting whether it
// produced another element, or fails TypeError for any other type.
func Next(v Value) (bool, error) {
	return v.Type().NextFn(v)
}

// IterKey reads an iterator-like value's current key, or fails TypeError
// for any other type. Named IterKey (not Key) to avoid colliding with
// Tree/Index's own "key" vocabulary elsewhere in this package.
func IterKey(v Value) (Value, error) {
	return v.Type().KeyFn(v)
}
