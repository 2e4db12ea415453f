package resolver

import (
	"fmt"
	"strings"
)

// Parse compiles an LDAP-like filter string (spec.md §4.5) into an Expr tree,
// e.g. "(&(cpu.cores>=4)(memory.gib>=2))" or "(!(golem.runtime.name=wasm*))".
// An empty filter imposes no constraint and always resolves True.
func Parse(filter string) (Expr, error) {
	if strings.TrimSpace(filter) == "" {
		return alwaysTrue{}, nil
	}
	p := &parser{input: filter}
	expr, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("resolver: unexpected trailing input at %d in %q", p.pos, filter)
	}
	return expr, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) expect(b byte) error {
	if p.peek() != b {
		return fmt.Errorf("resolver: expected %q at position %d in %q", b, p.pos, p.input)
	}
	p.pos++
	return nil
}

func (p *parser) parseFilter() (Expr, error) {
	p.skipSpace()
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()
	var (
		expr Expr
		err  error
	)
	switch p.peek() {
	case '&':
		p.pos++
		expr, err = p.parseFilterList(andBuilder)
	case '|':
		p.pos++
		expr, err = p.parseFilterList(orBuilder)
	case '!':
		p.pos++
		var inner Expr
		inner, err = p.parseFilter()
		if err == nil {
			expr = notExpr{operand: inner}
		}
	default:
		expr, err = p.parseItem()
	}
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return expr, nil
}

func andBuilder(operands []Expr) Expr { return andExpr{operands: operands} }
func orBuilder(operands []Expr) Expr  { return orExpr{operands: operands} }

func (p *parser) parseFilterList(build func([]Expr) Expr) (Expr, error) {
	var operands []Expr
	p.skipSpace()
	for p.peek() == '(' {
		f, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		operands = append(operands, f)
		p.skipSpace()
	}
	if len(operands) == 0 {
		return nil, fmt.Errorf("resolver: empty combinator at position %d in %q", p.pos, p.input)
	}
	return build(operands), nil
}

var compareOps = []struct {
	token string
	op    compareOp
}{
	{">=", opGreaterEqual},
	{"<=", opLessEqual},
	{"=", opEquals},
	{">", opGreater},
	{"<", opLess},
}

// parseItem parses a single "attr<op>value" predicate, or "attr=*" as a
// presence test.
func (p *parser) parseItem() (Expr, error) {
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != ')' {
		p.pos++
	}
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("resolver: unterminated item starting at %d in %q", start, p.input)
	}
	raw := p.input[start:p.pos]

	for _, candidate := range compareOps {
		idx := strings.Index(raw, candidate.token)
		if idx < 0 {
			continue
		}
		attr := strings.TrimSpace(raw[:idx])
		value := strings.TrimSpace(raw[idx+len(candidate.token):])
		ref, err := parsePropertyRef(attr)
		if err != nil {
			return nil, err
		}
		if candidate.op == opEquals && value == "*" {
			return presentExpr{ref: ref}, nil
		}
		return compareExpr{ref: ref, op: candidate.op, raw: value}, nil
	}
	return nil, fmt.Errorf("resolver: no operator found in item %q", raw)
}

// parsePropertyRef parses "name", "name[aspect]", and "name$coerce"
// (optionally combined as "name[aspect]$coerce").
func parsePropertyRef(raw string) (PropertyRef, error) {
	ref := PropertyRef{}
	if idx := strings.IndexByte(raw, '$'); idx >= 0 {
		if idx != len(raw)-1 {
			switch raw[idx+1] {
			case 'd':
				ref.Coerce = CoerceDateTime
			case 'v':
				ref.Coerce = CoerceVersion
			case 't':
				ref.Coerce = CoerceTyped
			default:
				return ref, fmt.Errorf("resolver: unknown coercion code %q in %q", raw[idx+1:], raw)
			}
		}
		raw = raw[:idx]
	}
	if open := strings.IndexByte(raw, '['); open >= 0 {
		closeIdx := strings.IndexByte(raw, ']')
		if closeIdx < open {
			return ref, fmt.Errorf("resolver: malformed aspect reference %q", raw)
		}
		ref.Aspect = raw[open+1 : closeIdx]
		raw = raw[:open]
	}
	ref.Name = strings.TrimSpace(raw)
	if ref.Name == "" {
		return ref, fmt.Errorf("resolver: empty property name")
	}
	return ref, nil
}
