package lang

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is a runtime value of the rules language: nil, bool, int64,
// float64, string, []Value, *Dict, *Builtin, or a host object implementing
// Object / Indexable / ContextManager.
type Value any

// Dict is an insertion-ordered string-keyed map, so that json() output and
// iteration are stable.
type Dict struct {
	keys  []string
	items map[string]Value
}

func NewDict() *Dict {
	return &Dict{items: make(map[string]Value)}
}

func (d *Dict) Len() int {
	return len(d.keys)
}

func (d *Dict) Keys() []string {
	return d.keys
}

func (d *Dict) Get(key string) (Value, bool) {
	v, ok := d.items[key]
	return v, ok
}

func (d *Dict) Set(key string, v Value) {
	if _, ok := d.items[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.items[key] = v
}

// Builtin is a host function exposed to scripts.
type Builtin struct {
	Name string
	Fn   func(call *Call) (Value, error)
}

// Call carries the arguments of one builtin invocation plus the environment
// it runs in (route() binds captures through it).
type Call struct {
	Name   string
	Args   []Value
	Kwargs map[string]Value
	Env    *Env
	Line   int
}

// Arg returns the i-th positional argument or, failing that, the keyword
// argument named name, or def.
func (c *Call) Arg(i int, name string, def Value) Value {
	if i >= 0 && i < len(c.Args) {
		return c.Args[i]
	}
	if v, ok := c.Kwargs[name]; ok {
		return v
	}
	return def
}

func (c *Call) StringArg(i int, name string, def string) (string, error) {
	v := c.Arg(i, name, def)
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s(): argument %q must be a string, got %s", c.Name, name, TypeName(v))
	}
	return s, nil
}

func (c *Call) IntArg(i int, name string, def int64) (int64, error) {
	v := c.Arg(i, name, def)
	switch v := v.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("%s(): argument %q must be a number, got %s", c.Name, name, TypeName(c.Arg(i, name, def)))
}

func (c *Call) FloatArg(i int, name string, def float64) (float64, error) {
	v := c.Arg(i, name, def)
	switch v := v.(type) {
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, fmt.Errorf("%s(): argument %q must be a number, got %s", c.Name, name, TypeName(v))
}

func (c *Call) BoolArg(i int, name string, def bool) bool {
	return Truthy(c.Arg(i, name, def))
}

// Object exposes host attributes (request.method, doc.h1, ...).
type Object interface {
	Attr(name string) (Value, error)
}

// Indexable exposes host subscripting (request.headers['User-Agent']).
type Indexable interface {
	Index(key Value) (Value, error)
}

// ContextManager is the protocol behind "with": Enter's result is bound to
// the "as" target; Exit runs on every path out of the suite, including
// error propagation.
type ContextManager interface {
	Enter() (Value, error)
	Exit(err error) error
}

func Truthy(v Value) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	case []Value:
		return len(v) > 0
	case *Dict:
		return v.Len() > 0
	}
	return true
}

func TypeName(v Value) string {
	switch v.(type) {
	case nil:
		return "none"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	case []Value:
		return "list"
	case *Dict:
		return "dict"
	case *Builtin:
		return "function"
	}
	return fmt.Sprintf("%T", v)
}

// Str renders v the way scripts expect it in bodies and headers.
func Str(v Value) string {
	switch v := v.(type) {
	case nil:
		return "none"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return v
	case []Value:
		var parts []string
		for _, e := range v {
			parts = append(parts, Repr(e))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Dict:
		var parts []string
		for _, k := range v.Keys() {
			item, _ := v.Get(k)
			parts = append(parts, Repr(k)+": "+Repr(item))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("%v", v)
}

func Repr(v Value) string {
	if s, ok := v.(string); ok {
		return "'" + strings.ReplaceAll(s, "'", "\\'") + "'"
	}
	return Str(v)
}

func Equal(a, b Value) bool {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}
		return false
	}
	switch a := a.(type) {
	case nil:
		return b == nil
	case bool:
		bb, ok := b.(bool)
		return ok && a == bb
	case string:
		bb, ok := b.(string)
		return ok && a == bb
	case []Value:
		bb, ok := b.([]Value)
		if !ok || len(a) != len(bb) {
			return false
		}
		for i := range a {
			if !Equal(a[i], bb[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

func toFloat(v Value) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case bool:
		// bools do not participate in numeric comparison
		return 0, false
	}
	return 0, false
}
