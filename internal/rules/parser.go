package rules

import "fmt"

// node is one AST node of a parsed predicate. Nodes are immutable after
// parsing; a compiled Expr may be evaluated concurrently.
type node interface{}

type litNode struct{ val any }

type identNode struct{ name string }

type selectorNode struct {
	x     node
	field string
}

type indexNode struct {
	x   node
	key node
}

type callNode struct {
	name string
	args []node
}

type unaryNode struct {
	op string // "-" or "not"
	x  node
}

type binaryNode struct {
	op   string
	x, y node
}

// parser is a recursive-descent parser over the token stream.
//
// Grammar, loosest binding first:
//
//	expr       = orExpr
//	orExpr     = andExpr { ("or" | "||") andExpr }
//	andExpr    = notExpr { ("and" | "&&") notExpr }
//	notExpr    = ("not" | "!") notExpr | comparison
//	comparison = additive [ ("=="|"!="|"<"|"<="|">"|">="|"in"|"not" "in") additive ]
//	additive   = term { ("+"|"-") term }
//	term       = unary { ("*"|"/"|"%") unary }
//	unary      = "-" unary | postfix
//	postfix    = primary { "." IDENT | "[" expr "]" }
//	primary    = NUMBER | STRING | "true" | "false" | "nil"
//	           | IDENT [ "(" [ expr { "," expr } ] ")" ]
//	           | "(" expr ")"
type parser struct {
	toks []token
	pos  int
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.orExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, fmt.Errorf("rules: unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

// accept consumes the next token when it matches kind and text.
func (p *parser) accept(kind tokenKind, text string) bool {
	if p.peek().kind == kind && p.peek().text == text {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, text string) error {
	if !p.accept(kind, text) {
		return fmt.Errorf("rules: expected %q, found %q at offset %d", text, p.peek().text, p.peek().pos)
	}
	return nil
}

func (p *parser) orExpr() (node, error) {
	left, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	for p.accept(tokenKeyword, "or") || p.accept(tokenOperator, "||") {
		right, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "or", x: left, y: right}
	}
	return left, nil
}

func (p *parser) andExpr() (node, error) {
	left, err := p.notExpr()
	if err != nil {
		return nil, err
	}
	for p.accept(tokenKeyword, "and") || p.accept(tokenOperator, "&&") {
		right, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "and", x: left, y: right}
	}
	return left, nil
}

func (p *parser) notExpr() (node, error) {
	if p.accept(tokenKeyword, "not") || p.accept(tokenOperator, "!") {
		x, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "not", x: x}, nil
	}
	return p.comparison()
}

func (p *parser) comparison() (node, error) {
	left, err := p.additive()
	if err != nil {
		return nil, err
	}

	if p.peek().kind == tokenOperator {
		switch p.peek().text {
		case "==", "!=", "<", "<=", ">", ">=":
			op := p.next().text
			right, err := p.additive()
			if err != nil {
				return nil, err
			}
			return binaryNode{op: op, x: left, y: right}, nil
		}
	}
	if p.accept(tokenKeyword, "in") {
		right, err := p.additive()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: "in", x: left, y: right}, nil
	}

	return left, nil
}

func (p *parser) additive() (node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOperator && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, x: left, y: right}
	}
	return left, nil
}

func (p *parser) term() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOperator && (p.peek().text == "*" || p.peek().text == "/" || p.peek().text == "%") {
		op := p.next().text
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, x: left, y: right}
	}
	return left, nil
}

func (p *parser) unary() (node, error) {
	if p.accept(tokenOperator, "-") {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "-", x: x}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (node, error) {
	x, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept(tokenPunct, "."):
			t := p.next()
			if t.kind != tokenIdent && t.kind != tokenKeyword {
				return nil, fmt.Errorf("rules: expected field name after '.' at offset %d", t.pos)
			}
			x = selectorNode{x: x, field: t.text}
		case p.accept(tokenPunct, "["):
			key, err := p.orExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokenPunct, "]"); err != nil {
				return nil, err
			}
			x = indexNode{x: x, key: key}
		default:
			return x, nil
		}
	}
}

func (p *parser) primary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokenNumber:
		p.next()
		return litNode{val: t.num}, nil

	case tokenString:
		p.next()
		return litNode{val: t.text}, nil

	case tokenKeyword:
		switch t.text {
		case "true":
			p.next()
			return litNode{val: true}, nil
		case "false":
			p.next()
			return litNode{val: false}, nil
		case "nil":
			p.next()
			return litNode{val: nil}, nil
		}
		return nil, fmt.Errorf("rules: unexpected keyword %q at offset %d", t.text, t.pos)

	case tokenIdent:
		p.next()
		if p.accept(tokenPunct, "(") {
			var args []node
			if !p.accept(tokenPunct, ")") {
				for {
					arg, err := p.orExpr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.accept(tokenPunct, ",") {
						continue
					}
					if err := p.expect(tokenPunct, ")"); err != nil {
						return nil, err
					}
					break
				}
			}
			return callNode{name: t.text, args: args}, nil
		}
		return identNode{name: t.text}, nil

	case tokenPunct:
		if t.text == "(" {
			p.next()
			x, err := p.orExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokenPunct, ")"); err != nil {
				return nil, err
			}
			return x, nil
		}
	}
	return nil, fmt.Errorf("rules: unexpected %q at offset %d", t.text, t.pos)
}
