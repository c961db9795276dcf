package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

type undefinedValue struct{}

type nullValue struct{}

func (undefinedValue) String() string { return "undefined" }
func (nullValue) String() string      { return "null" }

var (
	// Undefined is the JavaScript undefined value. A nil interface is
	// treated the same way.
	Undefined any = undefinedValue{}

	// Null is the JavaScript null value.
	Null any = nullValue{}
)

// Dynamic is the uniform interface the dispatcher applies property and
// element operations through. Implementations must be comparable (pointer
// types in practice) because values are interned by identity.
type Dynamic interface {
	Get(key string) any
	Set(key string, value any)
	Delete(key string)
	Index(i int) any
	SetIndex(i int, value any)
	Length() int
}

// Callable values can be applied with a receiver and arguments.
type Callable interface {
	Call(ctx context.Context, this any, args []any) (any, error)
}

// Constructor values can be instantiated with new.
type Constructor interface {
	Construct(ctx context.Context, args []any) (any, error)
}

// ByteArray is implemented by byte-array-like values that byte copies and
// string staging operate on.
type ByteArray interface {
	Bytes() []byte
}

// Object is a plain host object with insertion-ordered properties.
type Object struct {
	keys  []string
	props map[string]any
	ctor  *Func
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{}
}

// NewObjectFrom returns an object holding the given properties in key order.
func NewObjectFrom(props map[string]any) *Object {
	o := NewObject()
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		o.Set(k, props[k])
	}
	return o
}

func (o *Object) Get(key string) any {
	if v, ok := o.props[key]; ok {
		return v
	}
	return Undefined
}

func (o *Object) Has(key string) bool {
	_, ok := o.props[key]
	return ok
}

func (o *Object) Set(key string, value any) {
	if o.props == nil {
		o.props = make(map[string]any)
	}
	if _, ok := o.props[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.props[key] = value
}

func (o *Object) Delete(key string) {
	if _, ok := o.props[key]; !ok {
		return
	}
	delete(o.props, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

func (o *Object) Index(i int) any {
	return o.Get(strconv.Itoa(i))
}

func (o *Object) SetIndex(i int, value any) {
	o.Set(strconv.Itoa(i), value)
}

func (o *Object) Length() int {
	if n, ok := o.Get("length").(float64); ok && n > 0 {
		return int(n)
	}
	return 0
}

// Keys returns the property names in insertion order.
func (o *Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Constructor returns the function that created o, if any.
func (o *Object) Constructor() *Func {
	return o.ctor
}

// Array is a host array.
type Array struct {
	Object
	elems []any
}

// NewArray returns an array holding elems.
func NewArray(elems ...any) *Array {
	return &Array{elems: elems}
}

func (a *Array) Get(key string) any {
	switch key {
	case "length":
		return float64(len(a.elems))
	case "push":
		return NewFunc("push", func(_ context.Context, _ any, args []any) (any, error) {
			a.elems = append(a.elems, args...)
			return float64(len(a.elems)), nil
		})
	}
	if i, err := strconv.Atoi(key); err == nil {
		return a.Index(i)
	}
	return a.Object.Get(key)
}

func (a *Array) Set(key string, value any) {
	if i, err := strconv.Atoi(key); err == nil {
		a.SetIndex(i, value)
		return
	}
	a.Object.Set(key, value)
}

func (a *Array) Index(i int) any {
	if i < 0 || i >= len(a.elems) {
		return Undefined
	}
	return a.elems[i]
}

func (a *Array) SetIndex(i int, value any) {
	if i < 0 {
		return
	}
	for len(a.elems) <= i {
		a.elems = append(a.elems, Undefined)
	}
	a.elems[i] = value
}

func (a *Array) Length() int { return len(a.elems) }

// Elements returns the backing slice.
func (a *Array) Elements() []any { return a.elems }

// Uint8Array is the byte-array value used for byte copies and string staging.
type Uint8Array struct {
	Object
	data []byte
}

// NewUint8Array returns a zeroed array of n bytes.
func NewUint8Array(n int) *Uint8Array {
	return &Uint8Array{data: make([]byte, n)}
}

// Uint8ArrayOf wraps b without copying.
func Uint8ArrayOf(b []byte) *Uint8Array {
	return &Uint8Array{data: b}
}

func (u *Uint8Array) Bytes() []byte { return u.data }

func (u *Uint8Array) Get(key string) any {
	switch key {
	case "length", "byteLength":
		return float64(len(u.data))
	}
	if i, err := strconv.Atoi(key); err == nil {
		return u.Index(i)
	}
	return u.Object.Get(key)
}

func (u *Uint8Array) Index(i int) any {
	if i < 0 || i >= len(u.data) {
		return Undefined
	}
	return float64(u.data[i])
}

func (u *Uint8Array) SetIndex(i int, value any) {
	if i < 0 || i >= len(u.data) {
		return
	}
	u.data[i] = byte(int64(toNumber(value)))
}

func (u *Uint8Array) Length() int { return len(u.data) }

// Func is a host function. It is also an object and may carry properties.
type Func struct {
	Object
	name        string
	call        func(ctx context.Context, this any, args []any) (any, error)
	construct   func(ctx context.Context, args []any) (any, error)
	hasInstance func(v any) bool
}

// NewFunc wraps fn as a callable host value.
func NewFunc(name string, fn func(ctx context.Context, this any, args []any) (any, error)) *Func {
	return &Func{name: name, call: fn}
}

// NewConstructor returns a function usable with new. Instances created by
// construct should record f as their constructor via Instantiate so that
// instanceof holds.
func NewConstructor(name string, construct func(ctx context.Context, args []any) (any, error)) *Func {
	return &Func{name: name, construct: construct}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Call(ctx context.Context, this any, args []any) (any, error) {
	if f.call == nil {
		if f.construct != nil {
			return f.construct(ctx, args)
		}
		return nil, NewTypeError(fmt.Sprintf("%s is not a function", f.describe()))
	}
	return f.call(ctx, this, args)
}

func (f *Func) Construct(ctx context.Context, args []any) (any, error) {
	if f.construct == nil {
		return nil, NewTypeError(fmt.Sprintf("%s is not a constructor", f.describe()))
	}
	return f.construct(ctx, args)
}

// HasInstance reports whether v was created by f.
func (f *Func) HasInstance(v any) bool {
	if f.hasInstance != nil {
		return f.hasInstance(v)
	}
	inst, ok := v.(interface{ Constructor() *Func })
	return ok && inst.Constructor() == f
}

// WithHasInstance overrides the instanceof test for f.
func (f *Func) WithHasInstance(fn func(v any) bool) *Func {
	f.hasInstance = fn
	return f
}

// Instantiate records f as o's constructor.
func (f *Func) Instantiate(o *Object) *Object {
	o.ctor = f
	return o
}

func (f *Func) describe() string {
	if f.name == "" {
		return "anonymous"
	}
	return f.name
}

// Symbol is an opaque host value.
type Symbol struct {
	Description string
}

// Error is a host exception value. Host functions return it to make call,
// invoke and construct report failure to the guest with a coded error.
type Error struct {
	Object
}

// NewError returns an Error with the given message.
func NewError(message string) *Error {
	e := &Error{}
	e.Set("name", "Error")
	e.Set("message", message)
	return e
}

// NewErrorCode returns an Error carrying a Node-style errno code such as
// "ENOENT", which the guest's syscall layer maps back to an errno.
func NewErrorCode(code, message string) *Error {
	e := NewError(message)
	e.Set("code", code)
	return e
}

// NewTypeError returns an Error named TypeError.
func NewTypeError(message string) *Error {
	e := NewError(message)
	e.Set("name", "TypeError")
	return e
}

func (e *Error) Error() string {
	msg, _ := e.Get("message").(string)
	if code, ok := e.Get("code").(string); ok {
		return code + ": " + msg
	}
	return msg
}

// Code returns the errno code, if any.
func (e *Error) Code() string {
	code, _ := e.Get("code").(string)
	return code
}

// errorValue converts a failure from a host operation into the value handed
// to the guest.
func errorValue(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var t Thrown
	if errors.As(err, &t) {
		return t.Value
	}
	return NewError(err.Error())
}

// Thrown lets a host function raise an arbitrary value.
type Thrown struct {
	Value any
}

func (t Thrown) Error() string { return "uncaught " + ToString(t.Value) }

// ToString converts v the way String(v) does.
func ToString(v any) string {
	switch x := v.(type) {
	case nil, undefinedValue:
		return "undefined"
	case nullValue:
		return "null"
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return formatNumber(x)
	case string:
		return x
	case *Symbol:
		return "Symbol(" + x.Description + ")"
	case *Error:
		name, _ := x.Get("name").(string)
		msg, _ := x.Get("message").(string)
		if msg == "" {
			return name
		}
		return name + ": " + msg
	case *Array:
		parts := make([]string, len(x.elems))
		for i, e := range x.elems {
			if e == Undefined || e == Null || e == nil {
				continue
			}
			parts[i] = ToString(e)
		}
		return strings.Join(parts, ",")
	case *Uint8Array:
		parts := make([]string, len(x.data))
		for i, b := range x.data {
			parts[i] = strconv.Itoa(int(b))
		}
		return strings.Join(parts, ",")
	case *Func:
		return "function " + x.name + "() { [native code] }"
	case fmt.Stringer:
		return x.String()
	}
	return "[object Object]"
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[:1]
	exp = strings.TrimLeft(exp[1:], "0")
	return mant + "e" + sign + exp
}

func toNumber(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case bool:
		if x {
			return 1
		}
		return 0
	case nullValue:
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil, undefinedValue, nullValue:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	}
	return true
}

// lengthOf implements the length operation for any host value.
func lengthOf(v any) int {
	switch x := v.(type) {
	case string:
		return utf16Len(x)
	case Dynamic:
		return x.Length()
	}
	return 0
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// ValueOf converts a Go value into a host value. Host values pass through
// unchanged; numbers become float64, []byte a Uint8Array, slices an Array,
// maps with string keys an Object, and errors an Error. It panics on values
// it cannot represent.
func ValueOf(x any) any {
	switch v := x.(type) {
	case nil:
		return Null
	case undefinedValue, nullValue, bool, float64, string, *Symbol, Dynamic:
		return v
	case []byte:
		return Uint8ArrayOf(append([]byte(nil), v...))
	case []any:
		elems := make([]any, len(v))
		for i, e := range v {
			elems[i] = ValueOf(e)
		}
		return NewArray(elems...)
	case map[string]any:
		props := make(map[string]any, len(v))
		for k, e := range v {
			props[k] = ValueOf(e)
		}
		return NewObjectFrom(props)
	case error:
		return NewError(v.Error())
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Slice, reflect.Array:
		elems := make([]any, rv.Len())
		for i := range elems {
			elems[i] = ValueOf(rv.Index(i).Interface())
		}
		return NewArray(elems...)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		props := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			props[iter.Key().String()] = ValueOf(iter.Value().Interface())
		}
		return NewObjectFrom(props)
	case reflect.Pointer:
		if rv.IsNil() {
			return Null
		}
	}
	panic(fmt.Sprintf("bridge: ValueOf: invalid value of type %T", x))
}

const maxExportDepth = 64

// Export converts a host value into plain Go data: nil, bool, float64,
// string, []byte, []any or map[string]any. Functions export as nil.
func Export(v any) any {
	return export(v, 0)
}

func export(v any, depth int) any {
	if depth > maxExportDepth {
		return nil
	}
	switch x := v.(type) {
	case nil, undefinedValue, nullValue, *Func:
		return nil
	case bool, float64, string:
		return x
	case *Symbol:
		return x.Description
	case *Uint8Array:
		return append([]byte(nil), x.data...)
	case *Array:
		out := make([]any, len(x.elems))
		for i, e := range x.elems {
			out[i] = export(e, depth+1)
		}
		return out
	case *Error:
		return x.Error()
	case *Object:
		out := make(map[string]any, len(x.keys))
		for _, k := range x.keys {
			out[k] = export(x.props[k], depth+1)
		}
		return out
	}
	return ToString(v)
}
