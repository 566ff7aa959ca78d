// Package query turns a call's SQL template into a parameterized statement.
//
// A template is fed to a [Builder] piece by piece: constant SQL fragments
// are copied verbatim, identifiers that name a call argument (either
// positionally as "$2" or by name) become statement parameters. Repeated
// references to the same argument share one parameter.
package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrArgRef = errors.New("invalid argument reference")

// Statement is a parameterized SQL statement. ArgLookup maps each statement
// parameter ($1 is index 0) to the call argument that feeds it.
type Statement struct {
	SQL       string
	ArgLookup []int
}

func (s Statement) ArgCount() int { return len(s.ArgLookup) }

// IsZero reports whether the statement was never built.
func (s Statement) IsZero() bool { return s.SQL == "" }

// Arg describes one call argument.
type Arg struct {
	Name string
	Type string
}

type Builder struct {
	args     []Arg
	addTypes bool
	sql      strings.Builder
	lookup   []int
}

// NewBuilder starts a statement for a call with the given arguments. With
// addTypes each parameter reference carries an explicit ::type cast.
func NewBuilder(args []Arg, addTypes bool) *Builder {
	return &Builder{args: args, addTypes: addTypes}
}

// AddConst appends a constant SQL fragment.
func (b *Builder) AddConst(sql string) *Builder {
	b.sql.WriteString(sql)
	return b
}

// AddIdent appends an identifier. Identifiers naming an argument are
// replaced by a parameter reference; others are copied as-is.
func (b *Builder) AddIdent(ident string) error {
	argIdx := -1
	if strings.HasPrefix(ident, "$") {
		n, err := strconv.Atoi(ident[1:])
		if err != nil || n < 1 || n > len(b.args) {
			return fmt.Errorf("%w: %s", ErrArgRef, ident)
		}
		argIdx = n - 1
	} else {
		for i, a := range b.args {
			if strings.EqualFold(ident, a.Name) {
				argIdx = i
				break
			}
		}
	}
	if argIdx < 0 {
		b.sql.WriteString(ident)
		return nil
	}

	paramIdx := -1
	for i, idx := range b.lookup {
		if idx == argIdx {
			paramIdx = i
			break
		}
	}
	if paramIdx < 0 {
		paramIdx = len(b.lookup)
		b.lookup = append(b.lookup, argIdx)
	}
	b.writeRef(paramIdx, argIdx)
	return nil
}

func (b *Builder) writeRef(paramIdx, argIdx int) {
	fmt.Fprintf(&b.sql, "$%d", paramIdx+1)
	if b.addTypes && b.args[argIdx].Type != "" {
		b.sql.WriteString("::")
		b.sql.WriteString(b.args[argIdx].Type)
	}
}

// Finish returns the built statement. The builder must not be reused.
func (b *Builder) Finish() Statement {
	return Statement{
		SQL:       b.sql.String(),
		ArgLookup: append([]int(nil), b.lookup...),
	}
}

// StandardCall builds "select * from fn($1, ...)" passing every argument
// through in order.
func StandardCall(fn string, args []Arg, addTypes bool) Statement {
	b := NewBuilder(args, addTypes)
	b.AddConst("select * from " + fn + "(")
	for i := range args {
		if i > 0 {
			b.AddConst(",")
		}
		b.lookup = append(b.lookup, i)
		b.writeRef(i, i)
	}
	b.AddConst(")")
	return b.Finish()
}

// Parse builds a statement from a template in one go. Words starting with
// '$' or matching an argument name are treated as identifiers; text inside
// single quotes is left alone.
func Parse(template string, args []Arg, addTypes bool) (Statement, error) {
	b := NewBuilder(args, addTypes)
	i := 0
	for i < len(template) {
		ch := template[i]
		switch {
		case ch == '\'':
			j := i + 1
			for j < len(template) {
				if template[j] == '\'' {
					if j+1 < len(template) && template[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j < len(template) {
				j++
			}
			b.AddConst(template[i:j])
			i = j
		case ch == '$' || isIdentStart(ch):
			j := i + 1
			for j < len(template) && isIdentPart(template[j]) {
				j++
			}
			if err := b.AddIdent(template[i:j]); err != nil {
				return Statement{}, err
			}
			i = j
		default:
			b.AddConst(template[i : i+1])
			i++
		}
	}
	return b.Finish(), nil
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}
