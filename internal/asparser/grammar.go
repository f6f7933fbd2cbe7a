package asparser

import "fmt"

// grammarParser implements the structural (keyword-agnostic) grammar of
// SPEC_FULL.md section 6's EBNF sketch. It has no notion of which
// keywords are "known" -- that distinction belongs to the semantic pass
// in parse.go. This separation is exactly what makes the future-proofing
// policy work: malformed syntax fails here regardless of keyword,
// unknown-but-well-formed keywords are only filtered afterward.
type grammarParser struct {
	lex  *lexer
	cur  tok
	peeked bool
}

func newGrammarParser(src string) (*grammarParser, error) {
	p := &grammarParser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *grammarParser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *grammarParser) parseFile() ([]decl, error) {
	var decls []decl
	for p.cur.kind != tkEOF {
		d, err := p.parseDecl()
		if err != nil {
			return nil, err
		}
		decls = append(decls, d)
	}
	return decls, nil
}

// parseDecl parses `KEY '(' arglist? ')' body?`. A keyword not
// immediately followed by '(' is malformed ("missing arg-list"), per
// SPEC_FULL.md section 4.1.
func (p *grammarParser) parseDecl() (decl, error) {
	if p.cur.kind != tkIdent {
		return decl{}, fmt.Errorf("line %d: expected keyword, got %s", p.cur.line, describeTok(p.cur))
	}
	d := decl{key: p.cur.text, line: p.cur.line}
	if err := p.advance(); err != nil {
		return decl{}, err
	}
	if p.cur.kind != tkLParen {
		return decl{}, fmt.Errorf("line %d: keyword %q must be followed by an arg-list in parentheses", d.line, d.key)
	}
	if err := p.advance(); err != nil {
		return decl{}, err
	}
	args, err := p.parseArgList(tkRParen)
	if err != nil {
		return decl{}, err
	}
	d.args = args
	if p.cur.kind != tkRParen {
		return decl{}, fmt.Errorf("line %d: expected ')' after arg-list for %q", p.cur.line, d.key)
	}
	if err := p.advance(); err != nil {
		return decl{}, err
	}
	if p.cur.kind == tkLBrace {
		if err := p.parseBody(&d); err != nil {
			return decl{}, err
		}
	}
	return d, nil
}

// parseArgList parses a comma-separated sequence of items up to (but not
// consuming) the closing token. An empty arg-list is legal.
func (p *grammarParser) parseArgList(closing tokKind) ([]item, error) {
	var items []item
	if p.cur.kind == closing {
		return items, nil
	}
	for {
		it, err := p.parseItem()
		if err != nil {
			return nil, err
		}
		items = append(items, it)
		if p.cur.kind == tkComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if p.cur.kind == closing {
			return items, nil
		}
		return nil, fmt.Errorf("line %d: expected ',' or closing delimiter, got %s (missing comma in arg-list?)", p.cur.line, describeTok(p.cur))
	}
}

func (p *grammarParser) parseItem() (item, error) {
	switch p.cur.kind {
	case tkIdent, tkInt, tkFloat, tkString:
		it := item{kind: p.cur.kind, text: p.cur.text}
		if err := p.advance(); err != nil {
			return item{}, err
		}
		return it, nil
	default:
		return item{}, fmt.Errorf("line %d: expected identifier, number, or string, got %s", p.cur.line, describeTok(p.cur))
	}
}

// parseBody parses `'{' ( decl* | listitem (',' listitem)* ) '}'`,
// rejecting any attempt to mix bare list items with a recursive
// sub-declaration in the same body (malformed syntax per section 4.1).
func (p *grammarParser) parseBody(d *decl) error {
	if err := p.advance(); err != nil { // consume '{'
		return err
	}
	d.hasBody = true
	if p.cur.kind == tkRBrace {
		d.bodyIsList = true
		return p.advance()
	}

	// Decide list-vs-decl mode from the first body element: a decl
	// element must look like IDENT '(' ; anything else is a list item.
	if p.cur.kind == tkIdent && p.lookaheadIsLParenAfterIdent() {
		d.bodyIsList = false
		for p.cur.kind != tkRBrace {
			if p.cur.kind == tkEOF {
				return fmt.Errorf("line %d: unterminated body of %q", d.line, d.key)
			}
			if !(p.cur.kind == tkIdent && p.lookaheadIsLParenAfterIdent()) {
				return fmt.Errorf("line %d: cannot mix declarations and list items in the same body (%q)", p.cur.line, d.key)
			}
			sub, err := p.parseDecl()
			if err != nil {
				return err
			}
			d.bodyDecls = append(d.bodyDecls, sub)
		}
		return p.advance() // consume '}'
	}

	d.bodyIsList = true
	list, err := p.parseArgList(tkRBrace)
	if err != nil {
		return err
	}
	d.bodyList = list
	if p.cur.kind != tkRBrace {
		return fmt.Errorf("line %d: expected '}' closing body of %q", p.cur.line, d.key)
	}
	return p.advance()
}

// lookaheadIsLParenAfterIdent reports whether the current ident token is
// immediately followed by '(' -- i.e. it begins a nested declaration
// rather than a bare list item. This requires one token of lookahead,
// implemented by lexing from a saved position and rewinding.
func (p *grammarParser) lookaheadIsLParenAfterIdent() bool {
	savedPos := p.lex.pos
	savedLine := p.lex.line
	t, err := p.lex.next()
	isLParen := err == nil && t.kind == tkLParen
	p.lex.pos = savedPos
	p.lex.line = savedLine
	return isLParen
}

func describeTok(t tok) string {
	switch t.kind {
	case tkEOF:
		return "end of input"
	case tkLParen:
		return "'('"
	case tkRParen:
		return "')'"
	case tkLBrace:
		return "'{'"
	case tkRBrace:
		return "'}'"
	case tkComma:
		return "','"
	case tkString:
		return fmt.Sprintf("string %q", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}
