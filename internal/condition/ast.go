package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is a typed AST node of the condition grammar.
type Node interface {
	String() string
}

// Literal is a constant number, string, boolean, or null.
type Literal struct {
	Value any
}

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case string:
		return strconv.Quote(v)
	case nil:
		return "null"
	default:
		return fmt.Sprint(v)
	}
}

// Field references a context value by dotted path.
type Field struct {
	Path string
}

func (f *Field) String() string { return f.Path }

// Not negates its operand.
type Not struct {
	X Node
}

func (n *Not) String() string { return "not " + n.X.String() }

// Logical is an and/or combinator.
type Logical struct {
	Op   string // "and" | "or"
	L, R Node
}

func (l *Logical) String() string {
	return "(" + l.L.String() + " " + l.Op + " " + l.R.String() + ")"
}

// Compare is a binary comparison.
type Compare struct {
	Op   string // == != < <= > >= contains
	L, R Node
}

func (c *Compare) String() string {
	return c.L.String() + " " + c.Op + " " + c.R.String()
}

// walk visits every node depth-first.
func walk(n Node, fn func(Node)) {
	fn(n)
	switch v := n.(type) {
	case *Not:
		walk(v.X, fn)
	case *Logical:
		walk(v.L, fn)
		walk(v.R, fn)
	case *Compare:
		walk(v.L, fn)
		walk(v.R, fn)
	}
}

func normalizeOp(op string) string {
	switch strings.ToLower(op) {
	case "&&", "and":
		return "and"
	case "||", "or":
		return "or"
	case "!", "not":
		return "not"
	case "contains":
		return "contains"
	}
	return op
}
