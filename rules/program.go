package rules

import (
	"github.com/oklog/ulid/v2"

	"github.com/vfaronov/turq/rules/lang"
)

// Program is a compiled rules script, ready for repeated execution. It is
// immutable after compilation, so any number of connections may run it
// concurrently.
type Program struct {
	// ID tags log lines so that responses can be correlated with the
	// exact program that produced them across hot reloads.
	ID     string
	Name   string
	Source string

	ast *lang.Program
}

// Compile parses source into a Program. name identifies the source in
// diagnostics (a file path, or "<editor>"). Compile failures carry the
// line and column of the problem.
func Compile(name, source string) (*Program, error) {
	ast, err := lang.Parse(source)
	if err != nil {
		return nil, err
	}
	return &Program{
		ID:     ulid.Make().String(),
		Name:   name,
		Source: source,
		ast:    ast,
	}, nil
}

func (p *Program) AST() *lang.Program {
	return p.ast
}
