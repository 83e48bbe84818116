package value

import "reflect"

// ptrOf returns a stable identity for any value whose underlying Go
// representation is pointer-like (nearly everything here, since variants
// are implemented as *T). Used only as the default identity hash for
// types that don't define a content hash.
func ptrOf(v Value) uintptr {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return rv.Pointer()
	default:
		return 0
	}
}
