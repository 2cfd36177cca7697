package condition

import "fmt"

// AST node kinds. The tree is small on purpose: every construct the
// grammar admits has exactly one node type, and the evaluator switches
// over these.
type node interface{ pos() int }

type numberNode struct {
	value float64
	at    int
}

type stringNode struct {
	value string
	at    int
}

type boolNode struct {
	value bool
	at    int
}

type nullNode struct {
	at int
}

type identNode struct {
	name string
	at   int
}

type propertyNode struct {
	target node
	name   string
	at     int
}

type indexNode struct {
	target node
	index  node
	at     int
}

type callNode struct {
	target node
	args   []node
	at     int
}

type unaryNode struct {
	op      tokenKind
	operand node
	at      int
}

type binaryNode struct {
	op    tokenKind
	left  node
	right node
	at    int
}

func (n *numberNode) pos() int   { return n.at }
func (n *stringNode) pos() int   { return n.at }
func (n *boolNode) pos() int     { return n.at }
func (n *nullNode) pos() int     { return n.at }
func (n *identNode) pos() int    { return n.at }
func (n *propertyNode) pos() int { return n.at }
func (n *indexNode) pos() int    { return n.at }
func (n *callNode) pos() int     { return n.at }
func (n *unaryNode) pos() int    { return n.at }
func (n *binaryNode) pos() int   { return n.at }

type parser struct {
	tokens []token
	idx    int
}

// parse builds the AST for a token stream produced by lex.
func parse(tokens []token) (node, error) {
	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		t := p.peek()
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
	return expr, nil
}

func (p *parser) peek() token { return p.tokens[p.idx] }

func (p *parser) next() token {
	t := p.tokens[p.idx]
	if t.kind != tokEOF {
		p.idx++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.peek()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s at position %d, found %q", what, t.pos, t.text)
	}
	return p.next(), nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		op := p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokOr, left: left, right: right, at: op.pos}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		op := p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokAnd, left: left, right: right, at: op.pos}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == tokNot {
		op := p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokNot, operand: operand, at: op.pos}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		op := p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: op.kind, left: left, right: right, at: op.pos}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokPlus, tokMinus:
			op := p.next()
			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: op.kind, left: left, right: right, at: op.pos}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokStar, tokSlash, tokPercent:
			op := p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: op.kind, left: left, right: right, at: op.pos}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokMinus {
		op := p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokMinus, operand: operand, at: op.pos}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokDot:
			dot := p.next()
			name, err := p.expect(tokIdent, "property name")
			if err != nil {
				return nil, err
			}
			expr = &propertyNode{target: expr, name: name.text, at: dot.pos}
		case tokLBracket:
			open := p.next()
			index, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			expr = &indexNode{target: expr, index: index, at: open.pos}
		case tokLParen:
			open := p.next()
			var args []node
			if p.peek().kind != tokRParen {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.peek().kind != tokComma {
						break
					}
					p.next()
				}
			}
			if _, err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			expr = &callNode{target: expr, args: args, at: open.pos}
		default:
			return expr, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		v, err := parseNumber(t.text)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.text, t.pos)
		}
		return &numberNode{value: v, at: t.pos}, nil
	case tokString:
		p.next()
		return &stringNode{value: t.text, at: t.pos}, nil
	case tokTrue:
		p.next()
		return &boolNode{value: true, at: t.pos}, nil
	case tokFalse:
		p.next()
		return &boolNode{value: false, at: t.pos}, nil
	case tokNull:
		p.next()
		return &nullNode{at: t.pos}, nil
	case tokIdent:
		p.next()
		return &identNode{name: t.text, at: t.pos}, nil
	case tokLParen:
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return expr, nil
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
}
