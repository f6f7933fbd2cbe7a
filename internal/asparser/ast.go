package asparser

// item is one comma-separated value: an identifier, signed int, signed
// float, or quoted string.
type item struct {
	kind tokKind // tkIdent, tkInt, tkFloat, or tkString
	text string
}

// decl is one `KEY '(' arglist? ')' body?` declaration. Exactly one of
// bodyList/bodyDecls is meaningful, distinguished by hasBody/bodyIsList;
// a declaration with no body has hasBody == false.
type decl struct {
	key  string
	args []item
	line int

	hasBody    bool
	bodyIsList bool
	bodyList   []item
	bodyDecls  []decl
}
