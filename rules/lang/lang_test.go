package lang

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, source string) *Program {
	t.Helper()
	prog, err := Parse(source)
	require.NoError(t, err)
	return prog
}

// run executes source with a recording builtin "emit" plus any extra
// bindings, and returns everything emit() was called with.
func run(t *testing.T, source string, extra map[string]Value) []Value {
	t.Helper()
	env := NewEnv()
	var emitted []Value
	env.Set("emit", &Builtin{Name: "emit", Fn: func(call *Call) (Value, error) {
		emitted = append(emitted, call.Arg(0, "value", nil))
		return nil, nil
	}})
	for name, v := range extra {
		env.Set(name, v)
	}
	require.NoError(t, Exec(mustParse(t, source), env))
	return emitted
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()

	prog := mustParse(t, "")
	assert.Empty(t, prog.Stmts)

	prog = mustParse(t, "\n\n# just a comment\n\n")
	assert.Empty(t, prog.Stmts)
}

func TestLiterals(t *testing.T) {
	t.Parallel()

	emitted := run(t, `
emit('single')
emit("double")
emit('esc\n\t\'')
emit(42)
emit(2.5)
emit(true); emit(False); emit(none)
emit([1, 2, 'three'])
emit({'a': 1, 'b': [true]})
`, nil)
	require.Len(t, emitted, 10)
	assert.Equal(t, "single", emitted[0])
	assert.Equal(t, "double", emitted[1])
	assert.Equal(t, "esc\n\t'", emitted[2])
	assert.Equal(t, int64(42), emitted[3])
	assert.Equal(t, 2.5, emitted[4])
	assert.Equal(t, true, emitted[5])
	assert.Equal(t, false, emitted[6])
	assert.Nil(t, emitted[7])
	assert.Equal(t, []Value{int64(1), int64(2), "three"}, emitted[8])

	d, ok := emitted[9].(*Dict)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, d.Keys())
	a, _ := d.Get("a")
	assert.Equal(t, int64(1), a)
}

func TestOperators(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		expr string
		want Value
	}{
		{"1 + 2", int64(3)},
		{"'a' + 'b'", "ab"},
		{"7 - 2 * 3", int64(1)},
		{"10 / 4", 2.5},
		{"-3", int64(-3)},
		{"1 == 1.0", true},
		{"1 != 2", true},
		{"2 < 10", true},
		{"'abc' < 'abd'", true},
		{"'bc' in 'abcd'", true},
		{"3 in [1, 2, 3]", true},
		{"'k' in {'k': 1}", true},
		{"not ''", true},
		{"true and 5", int64(5)},
		{"false or 'fallback'", "fallback"},
		{"none == none", true},
	} {
		emitted := run(t, "emit("+tt.expr+")", nil)
		assert.Equal(t, tt.want, emitted[0], tt.expr)
	}
}

func TestShortCircuit(t *testing.T) {
	t.Parallel()

	env := NewEnv()
	env.Set("boom", &Builtin{Name: "boom", Fn: func(*Call) (Value, error) {
		return nil, fmt.Errorf("must not be called")
	}})
	require.NoError(t, Exec(mustParse(t, "x = false and boom()\ny = true or boom()"), env))
}

func TestAssignmentAndIf(t *testing.T) {
	t.Parallel()

	emitted := run(t, `
x = 2
if x == 1:
    emit('one')
elif x == 2:
    emit('two')
else:
    emit('many')
`, nil)
	assert.Equal(t, []Value{"two"}, emitted)
}

func TestInlineSuites(t *testing.T) {
	t.Parallel()

	emitted := run(t, "if true: emit(1); emit(2)\nemit(3)", nil)
	assert.Equal(t, []Value{int64(1), int64(2), int64(3)}, emitted)
}

func TestSemicolons(t *testing.T) {
	t.Parallel()

	emitted := run(t, "emit(1); emit(2); emit(3)", nil)
	assert.Len(t, emitted, 3)
}

func TestNestedBlocks(t *testing.T) {
	t.Parallel()

	emitted := run(t, `
n = 0
while n < 3:
    if n == 1:
        emit('mid')
    n = n + 1
emit(n)
`, nil)
	assert.Equal(t, []Value{"mid", int64(3)}, emitted)
}

func TestWhileLoopCap(t *testing.T) {
	t.Parallel()

	env := NewEnv()
	err := Exec(mustParse(t, "while true:\n    pass"), env)
	require.Error(t, err)
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 1, rerr.SourceLine)
}

type testScope struct {
	entered bool
	exited  bool
	sawErr  error
}

func (s *testScope) Enter() (Value, error) {
	s.entered = true
	return "resource", nil
}

func (s *testScope) Exit(err error) error {
	s.exited = true
	s.sawErr = err
	return nil
}

func TestWithStatement(t *testing.T) {
	t.Parallel()

	scope := &testScope{}
	emitted := run(t, "with scope() as r:\n    emit(r)", map[string]Value{
		"scope": &Builtin{Name: "scope", Fn: func(*Call) (Value, error) {
			return scope, nil
		}},
	})
	assert.Equal(t, []Value{"resource"}, emitted)
	assert.True(t, scope.entered)
	assert.True(t, scope.exited)
	assert.NoError(t, scope.sawErr)
}

func TestWithExitRunsOnError(t *testing.T) {
	t.Parallel()

	scope := &testScope{}
	env := NewEnv()
	env.Set("scope", &Builtin{Name: "scope", Fn: func(*Call) (Value, error) {
		return scope, nil
	}})
	err := Exec(mustParse(t, "with scope():\n    undefined_name"), env)
	require.Error(t, err)
	assert.True(t, scope.exited, "Exit must run when the body fails")
	assert.Error(t, scope.sawErr)
}

func TestKeywordArguments(t *testing.T) {
	t.Parallel()

	var got *Call
	env := NewEnv()
	env.Set("f", &Builtin{Name: "f", Fn: func(call *Call) (Value, error) {
		got = call
		return nil, nil
	}})
	require.NoError(t, Exec(mustParse(t, "f(1, 'two', three=3, flag=true)"), env))
	require.NotNil(t, got)
	assert.Equal(t, []Value{int64(1), "two"}, got.Args)
	assert.Equal(t, int64(3), got.Kwargs["three"])
	assert.Equal(t, true, got.Kwargs["flag"])
}

func TestCompileErrorsHavePositions(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		source string
		line   int
	}{
		{"status(", 1},
		{"x = 'unterminated", 1},
		{"ok = 1\nif true\n    pass", 2},
		{"header('a' 'b')", 1},
	} {
		_, err := Parse(tt.source)
		require.Error(t, err, tt.source)
		var cerr *Error
		require.ErrorAs(t, err, &cerr, tt.source)
		assert.Equal(t, tt.line, cerr.Line, tt.source)
		assert.Greater(t, cerr.Col, 0)
	}
}

func TestRuntimeErrorsCarrySourceLine(t *testing.T) {
	t.Parallel()

	env := NewEnv()
	err := Exec(mustParse(t, "x = 1\ny = x + 'nope'"), env)
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 2, rerr.SourceLine)
}

func TestBuiltinErrorsUnwrap(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("stop right there")
	env := NewEnv()
	env.Set("f", &Builtin{Name: "f", Fn: func(*Call) (Value, error) {
		return nil, sentinel
	}})
	err := Exec(mustParse(t, "f()"), env)
	assert.True(t, errors.Is(err, sentinel), "control signals must survive wrapping")
}

func TestIndexing(t *testing.T) {
	t.Parallel()

	emitted := run(t, `
items = ['a', 'b', 'c']
emit(items[0])
emit(items[-1])
emit({'k': 'v'}['k'])
emit('hello'[1])
`, nil)
	assert.Equal(t, []Value{"a", "c", "v", "e"}, emitted)
}

func TestCoreBuiltins(t *testing.T) {
	t.Parallel()

	emitted := run(t, "emit(str(42)); emit(len('four')); emit(int('17'))", nil)
	assert.Equal(t, []Value{"42", int64(4), int64(17)}, emitted)
}

func TestBracketsJoinLines(t *testing.T) {
	t.Parallel()

	emitted := run(t, "emit([1,\n      2,\n      3])", nil)
	assert.Equal(t, []Value{[]Value{int64(1), int64(2), int64(3)}}, emitted)
}
