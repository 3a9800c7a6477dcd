// Package condition implements the restricted boolean expression grammar used by
// decision rules and validation predicates.
//
// Grammar:
//
//	expr    := or
//	or      := and { ("or" | "||") and }
//	and     := unary { ("and" | "&&") unary }
//	unary   := ("not" | "!") unary | compare
//	compare := operand [ ("==" | "!=" | "<" | "<=" | ">" | ">=" | "contains") operand ]
//	operand := number | string | "true" | "false" | "null" | field | "(" expr ")"
//	field   := ident { "." ident }
//
// There is no arithmetic, no function calls, and no assignment.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a parsed condition.
type Expr struct {
	src  string
	root Node
}

// Parse compiles a condition string into an Expr.
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty condition")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("position %d: unexpected %s", t.pos, t)
	}
	return &Expr{src: src, root: root}, nil
}

// MustParse is Parse that panics on error. For tests and built-ins.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Source returns the original text.
func (e *Expr) Source() string { return e.src }

// String returns the normalized form of the expression.
func (e *Expr) String() string { return e.root.String() }

// Fields returns every distinct field path referenced, in first-seen order.
func (e *Expr) Fields() []string {
	seen := make(map[string]bool)
	var out []string
	walk(e.root, func(n Node) {
		if f, ok := n.(*Field); ok && !seen[f.Path] {
			seen[f.Path] = true
			out = append(out, f.Path)
		}
	})
	return out
}

// HasComparison reports whether the expression contains at least one comparison.
func (e *Expr) HasComparison() bool {
	found := false
	walk(e.root, func(n Node) {
		if _, ok := n.(*Compare); ok {
			found = true
		}
	})
	return found
}

// IsConstTrue reports whether the expression is the literal true.
func (e *Expr) IsConstTrue() bool {
	l, ok := e.root.(*Literal)
	if !ok {
		return false
	}
	b, ok := l.Value.(bool)
	return ok && b
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isLogical(op string) bool {
	t := p.peek()
	if t.kind != tokOp && t.kind != tokIdent {
		return false
	}
	return normalizeOp(t.text) == op
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isLogical("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "or", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isLogical("and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "and", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.isLogical("not") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{X: x}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (Node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	var op string
	switch {
	case t.kind == tokOp && isCompareOp(t.text):
		op = t.text
	case t.kind == tokIdent && strings.EqualFold(t.text, "contains"):
		op = "contains"
	default:
		return left, nil
	}
	p.next()
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &Compare{Op: op, L: left, R: right}, nil
}

func (p *parser) parseOperand() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("position %d: invalid number %q", t.pos, t.text)
		}
		return &Literal{Value: f}, nil
	case tokString:
		return &Literal{Value: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("position %d: expected \")\", got %s", closing.pos, closing)
		}
		return inner, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &Literal{Value: true}, nil
		case "false":
			return &Literal{Value: false}, nil
		case "null", "nil":
			return &Literal{Value: nil}, nil
		}
		if isKeyword(t.text) {
			return nil, fmt.Errorf("position %d: unexpected keyword %q", t.pos, t.text)
		}
		if strings.HasPrefix(t.text, ".") || strings.HasSuffix(t.text, ".") || strings.Contains(t.text, "..") {
			return nil, fmt.Errorf("position %d: malformed field reference %q", t.pos, t.text)
		}
		return &Field{Path: t.text}, nil
	default:
		return nil, fmt.Errorf("position %d: unexpected %s", t.pos, t)
	}
}

func isCompareOp(s string) bool {
	switch s {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}
