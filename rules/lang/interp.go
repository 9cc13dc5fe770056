package lang

import (
	"fmt"
	"strings"
)

// maxLoopIterations bounds while loops so a runaway script cannot wedge its
// connection goroutine forever.
const maxLoopIterations = 100000

// RuntimeError wraps an error raised while executing a script, annotated
// with the source line of the offending statement.
type RuntimeError struct {
	SourceLine int
	Err        error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("line %d: %s", e.SourceLine, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Env is the flat variable scope a script runs in, pre-seeded with the host
// surface.
type Env struct {
	vars map[string]Value
}

func NewEnv() *Env {
	env := &Env{vars: make(map[string]Value)}
	env.Set("str", &Builtin{Name: "str", Fn: builtinStr})
	env.Set("len", &Builtin{Name: "len", Fn: builtinLen})
	env.Set("int", &Builtin{Name: "int", Fn: builtinInt})
	return env
}

func (e *Env) Get(name string) (Value, bool) {
	v, ok := e.vars[name]
	return v, ok
}

func (e *Env) Set(name string, v Value) {
	e.vars[name] = v
}

// Exec runs the program in env. Errors from host builtins propagate
// unchanged inside a RuntimeError wrapper so callers can errors.Is/As them.
func Exec(prog *Program, env *Env) error {
	return execStmts(prog.Stmts, env)
}

func execStmts(stmts []Stmt, env *Env) error {
	for _, s := range stmts {
		if err := execStmt(s, env); err != nil {
			return err
		}
	}
	return nil
}

func execStmt(s Stmt, env *Env) error {
	switch s := s.(type) {
	case *PassStmt:
		return nil

	case *ExprStmt:
		_, err := eval(s.X, env)
		return wrapRuntime(err, s.Line())

	case *AssignStmt:
		v, err := eval(s.X, env)
		if err != nil {
			return wrapRuntime(err, s.Line())
		}
		env.Set(s.Name, v)
		return nil

	case *IfStmt:
		cond, err := eval(s.Cond, env)
		if err != nil {
			return wrapRuntime(err, s.Line())
		}
		if Truthy(cond) {
			return execStmts(s.Body, env)
		}
		return execStmts(s.Else, env)

	case *WhileStmt:
		for i := 0; ; i++ {
			if i >= maxLoopIterations {
				return wrapRuntime(fmt.Errorf("while loop ran for %d iterations, giving up", maxLoopIterations), s.Line())
			}
			cond, err := eval(s.Cond, env)
			if err != nil {
				return wrapRuntime(err, s.Line())
			}
			if !Truthy(cond) {
				return nil
			}
			if err := execStmts(s.Body, env); err != nil {
				return err
			}
		}

	case *WithStmt:
		v, err := eval(s.X, env)
		if err != nil {
			return wrapRuntime(err, s.Line())
		}
		cm, ok := v.(ContextManager)
		if !ok {
			return wrapRuntime(fmt.Errorf("%s cannot be used in a with statement", TypeName(v)), s.Line())
		}
		entered, err := cm.Enter()
		if err != nil {
			return wrapRuntime(err, s.Line())
		}
		if s.As != "" {
			env.Set(s.As, entered)
		}
		bodyErr := execStmts(s.Body, env)
		exitErr := cm.Exit(bodyErr)
		if bodyErr != nil {
			return bodyErr
		}
		return wrapRuntime(exitErr, s.Line())

	default:
		return fmt.Errorf("unknown statement type %T", s)
	}
}

func wrapRuntime(err error, line int) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*RuntimeError); ok {
		return err
	}
	return &RuntimeError{SourceLine: line, Err: err}
}

func eval(x Expr, env *Env) (Value, error) {
	switch x := x.(type) {
	case *Literal:
		return x.Val, nil

	case *NameExpr:
		v, ok := env.Get(x.Ident)
		if !ok {
			return nil, fmt.Errorf("name %q is not defined", x.Ident)
		}
		return v, nil

	case *ListExpr:
		elems := make([]Value, 0, len(x.Elems))
		for _, e := range x.Elems {
			v, err := eval(e, env)
			if err != nil {
				return nil, err
			}
			elems = append(elems, v)
		}
		return elems, nil

	case *DictExpr:
		d := NewDict()
		for i := range x.Keys {
			k, err := eval(x.Keys[i], env)
			if err != nil {
				return nil, err
			}
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", TypeName(k))
			}
			v, err := eval(x.Values[i], env)
			if err != nil {
				return nil, err
			}
			d.Set(ks, v)
		}
		return d, nil

	case *AttrExpr:
		recv, err := eval(x.X, env)
		if err != nil {
			return nil, err
		}
		obj, ok := recv.(Object)
		if !ok {
			return nil, fmt.Errorf("%s has no attributes", TypeName(recv))
		}
		return obj.Attr(x.Name)

	case *IndexExpr:
		recv, err := eval(x.X, env)
		if err != nil {
			return nil, err
		}
		key, err := eval(x.Key, env)
		if err != nil {
			return nil, err
		}
		return evalIndex(recv, key)

	case *CallExpr:
		return evalCall(x, env)

	case *UnaryExpr:
		v, err := eval(x.X, env)
		if err != nil {
			return nil, err
		}
		switch x.Op {
		case "not":
			return !Truthy(v), nil
		case "-":
			switch v := v.(type) {
			case int64:
				return -v, nil
			case float64:
				return -v, nil
			}
			return nil, fmt.Errorf("cannot negate %s", TypeName(v))
		}
		return nil, fmt.Errorf("unknown unary operator %q", x.Op)

	case *BinaryExpr:
		return evalBinary(x, env)
	}
	return nil, fmt.Errorf("unknown expression type %T", x)
}

func evalIndex(recv, key Value) (Value, error) {
	switch recv := recv.(type) {
	case *Dict:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("dict index must be a string, got %s", TypeName(key))
		}
		v, ok := recv.Get(k)
		if !ok {
			return nil, nil
		}
		return v, nil
	case []Value:
		i, ok := key.(int64)
		if !ok {
			return nil, fmt.Errorf("list index must be an int, got %s", TypeName(key))
		}
		if i < 0 {
			i += int64(len(recv))
		}
		if i < 0 || i >= int64(len(recv)) {
			return nil, fmt.Errorf("list index %d out of range", i)
		}
		return recv[i], nil
	case string:
		i, ok := key.(int64)
		if !ok {
			return nil, fmt.Errorf("string index must be an int, got %s", TypeName(key))
		}
		if i < 0 {
			i += int64(len(recv))
		}
		if i < 0 || i >= int64(len(recv)) {
			return nil, fmt.Errorf("string index %d out of range", i)
		}
		return string(recv[i]), nil
	case Indexable:
		return recv.Index(key)
	}
	return nil, fmt.Errorf("%s is not indexable", TypeName(recv))
}

func evalCall(x *CallExpr, env *Env) (Value, error) {
	fn, err := eval(x.Fn, env)
	if err != nil {
		return nil, err
	}
	builtin, ok := fn.(*Builtin)
	if !ok {
		return nil, fmt.Errorf("%s is not callable", TypeName(fn))
	}
	call := &Call{Name: builtin.Name, Env: env, Line: x.line}
	for _, a := range x.Args {
		v, err := eval(a, env)
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, v)
	}
	if len(x.Kwargs) > 0 {
		call.Kwargs = make(map[string]Value, len(x.Kwargs))
		for _, kw := range x.Kwargs {
			v, err := eval(kw.X, env)
			if err != nil {
				return nil, err
			}
			call.Kwargs[kw.Name] = v
		}
	}
	return builtin.Fn(call)
}

func evalBinary(x *BinaryExpr, env *Env) (Value, error) {
	// short-circuit operators first
	if x.Op == "and" || x.Op == "or" {
		left, err := eval(x.X, env)
		if err != nil {
			return nil, err
		}
		if x.Op == "and" {
			if !Truthy(left) {
				return left, nil
			}
		} else if Truthy(left) {
			return left, nil
		}
		return eval(x.Y, env)
	}

	left, err := eval(x.X, env)
	if err != nil {
		return nil, err
	}
	right, err := eval(x.Y, env)
	if err != nil {
		return nil, err
	}

	switch x.Op {
	case "==":
		return Equal(left, right), nil
	case "!=":
		return !Equal(left, right), nil
	case "in":
		return evalIn(left, right)
	case "<", "<=", ">", ">=":
		return evalOrdered(x.Op, left, right)
	case "+":
		return evalAdd(left, right)
	case "-", "*", "/":
		return evalArith(x.Op, left, right)
	}
	return nil, fmt.Errorf("unknown operator %q", x.Op)
}

func evalIn(needle, haystack Value) (Value, error) {
	switch haystack := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return nil, fmt.Errorf("'in <string>' requires a string, got %s", TypeName(needle))
		}
		return strings.Contains(haystack, s), nil
	case []Value:
		for _, e := range haystack {
			if Equal(needle, e) {
				return true, nil
			}
		}
		return false, nil
	case *Dict:
		s, ok := needle.(string)
		if !ok {
			return false, nil
		}
		_, found := haystack.Get(s)
		return found, nil
	}
	return nil, fmt.Errorf("'in' not supported for %s", TypeName(haystack))
}

func evalOrdered(op string, left, right Value) (Value, error) {
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return nil, fmt.Errorf("cannot compare string with %s", TypeName(right))
		}
		return applyOrder(op, strings.Compare(ls, rs)), nil
	}
	lf, ok1 := toFloat(left)
	rf, ok2 := toFloat(right)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("cannot compare %s with %s", TypeName(left), TypeName(right))
	}
	switch {
	case lf < rf:
		return applyOrder(op, -1), nil
	case lf > rf:
		return applyOrder(op, 1), nil
	default:
		return applyOrder(op, 0), nil
	}
}

func applyOrder(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func evalAdd(left, right Value) (Value, error) {
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return nil, fmt.Errorf("cannot add string and %s", TypeName(right))
		}
		return ls + rs, nil
	}
	if ll, ok := left.([]Value); ok {
		rl, ok := right.([]Value)
		if !ok {
			return nil, fmt.Errorf("cannot add list and %s", TypeName(right))
		}
		return append(append([]Value{}, ll...), rl...), nil
	}
	return evalArith("+", left, right)
}

func evalArith(op string, left, right Value) (Value, error) {
	li, lok := left.(int64)
	ri, rok := right.(int64)
	if lok && rok && op != "/" {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		}
	}
	lf, ok1 := toFloat(left)
	rf, ok2 := toFloat(right)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("cannot apply %q to %s and %s", op, TypeName(left), TypeName(right))
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func builtinStr(call *Call) (Value, error) {
	return Str(call.Arg(0, "value", "")), nil
}

func builtinLen(call *Call) (Value, error) {
	switch v := call.Arg(0, "value", nil).(type) {
	case string:
		return int64(len(v)), nil
	case []Value:
		return int64(len(v)), nil
	case *Dict:
		return int64(v.Len()), nil
	}
	return nil, fmt.Errorf("len(): unsupported type")
}

func builtinInt(call *Call) (Value, error) {
	switch v := call.Arg(0, "value", int64(0)).(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		var n int64
		_, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n)
		if err != nil {
			return nil, fmt.Errorf("int(): cannot parse %q", v)
		}
		return n, nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("int(): unsupported type")
}
