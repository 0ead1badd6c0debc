package sandbox

import (
	"fmt"
	"reflect"
	"time"

	"github.com/dop251/goja"
)

// The marshaller restricts the host/guest boundary to a small value grammar:
// null, boolean, number, string, date (as ISO-8601 string), ordered list and
// string-keyed map. Guest functions and other non-data values never cross in
// either direction.

// toGuest converts a host value into a guest value. Dates become ISO-8601
// strings; the guest never sees a native Date. Cyclic host structures are an
// unchecked precondition: data-layer projections are never cyclic.
func toGuest(vm *goja.Runtime, v any) goja.Value {
	switch val := v.(type) {
	case nil:
		return goja.Null()
	case time.Time:
		return vm.ToValue(val.UTC().Format(time.RFC3339))
	case *time.Time:
		if val == nil {
			return goja.Null()
		}
		return vm.ToValue(val.UTC().Format(time.RFC3339))
	case map[string]any:
		obj := vm.NewObject()
		for k, item := range val {
			_ = obj.Set(k, toGuest(vm, item))
		}
		return obj
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = toGuest(vm, item)
		}
		return vm.NewArray(items...)
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return vm.ToValue(val)
	}

	// Typed slices and maps from the data layer come through here.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = toGuest(vm, rv.Index(i).Interface())
		}
		return vm.NewArray(items...)
	case reflect.Map:
		obj := vm.NewObject()
		iter := rv.MapRange()
		for iter.Next() {
			_ = obj.Set(fmt.Sprintf("%v", iter.Key().Interface()), toGuest(vm, iter.Value().Interface()))
		}
		return obj
	case reflect.Ptr:
		if rv.IsNil() {
			return goja.Null()
		}
		return toGuest(vm, rv.Elem().Interface())
	}

	// Unsupported host type. Refuse to coerce silently: surface its string
	// form so the mistake is visible in the result rather than hidden.
	return vm.ToValue(fmt.Sprintf("%v", v))
}

// toHost converts a settled guest value back into plain host data. Guest
// functions, symbols and other non-data handles become nil; the conversion
// itself never fails.
func toHost(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return normalizeExport(v.Export())
}

func normalizeExport(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, string, float64, int64:
		return val
	case int:
		return int64(val)
	case time.Time:
		// Guest Date objects export as time.Time; keep the boundary string-only.
		return val.UTC().Format(time.RFC3339)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeExport(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeExport(item)
		}
		return out
	case goja.ArrayBuffer:
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan:
		return nil
	case reflect.Float32:
		return rv.Float()
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	}

	// Symbols and exotic objects: string representation, never a crash.
	return fmt.Sprintf("%v", v)
}
