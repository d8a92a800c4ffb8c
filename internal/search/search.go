// Package search implements the reverse-Polish search-expression tree and
// its wire encoding (spec.md §6), grounded on original_source's
// src/search.cpp (generateSearchRequest/item_append, character scan and
// bracket/quote bookkeeping) and src/packet_struct.cpp
// (search_request_entry's save/type layout). The character-level scan
// (quoted spans, implicit AND between adjacent bare terms, bracket and
// operator-placement errors) is ported from item_append directly. The
// reduction from scanned tokens to a compiled Expression is not: the
// original's operator-stack pass treats AND/OR/NOT as one precedence
// tier, but spec.md's scenario 5 ("X1 AND X2 OR X3 NOT X4" compiles to
// `[OR, AND, X1, X2, NOT, X3, X4]`) only falls out of a real NOT > AND >
// OR precedence climb, so that is what Compile builds. The
// natural-language front end a CLI would expose to a user stays out of
// scope (spec.md §1's "search-expression front-end parser" exclusion);
// this package is the query compiler that exclusion's own wording calls
// out as a collaborator "whose output search_request is consumed by the
// core" — kept here because spec.md pins its exact output as a scenario.
package search

import (
	"strings"

	"ed2kcore/internal/errs"
	"ed2kcore/internal/wire"
)

// Op is a boolean connective between two search terms.
type Op uint8

const (
	OpAnd Op = iota
	OpOr
	OpNot
)

// bracket markers only ever exist during Compile; they never reach the
// public Expression, so they live past the real Op range instead of in it.
const (
	opOBR Op = 0x7e
	opCBR Op = 0x7f
)

// Cmp is the comparison an integer range term applies against its field.
type Cmp uint8

const (
	CmpEqual Cmp = iota
	CmpGreater
	CmpLess
	CmpGreaterEqual
	CmpLessEqual
	CmpNotEqual
)

// Kind discriminates which field of Entry is meaningful.
type Kind uint8

const (
	KindOperator Kind = iota
	KindString
	KindTypedString
	KindRangedUint32
	KindRangedUint64
)

// Entry is one node of the compiled search expression, in the flat
// reverse-Polish order the ed2k wire format expects (spec.md §6): boolean
// connectives interleave with string/typed/ranged terms rather than
// forming a nested tree.
type Entry struct {
	Kind Kind

	Op Op // meaningful when Kind == KindOperator

	Str  string       // meaningful for KindString/KindTypedString
	Meta wire.TagName // meaningful for KindTypedString/KindRangedUint32/64

	Cmp Cmp    // meaningful for the ranged kinds
	U32 uint32 // meaningful for KindRangedUint32
	U64 uint64 // meaningful for KindRangedUint64
}

func operatorEntry(op Op) Entry { return Entry{Kind: KindOperator, Op: op} }
func stringEntry(s string) Entry { return Entry{Kind: KindString, Str: s} }

func (e Entry) isOperator() bool { return e.Kind == KindOperator }
func (e Entry) isLogic() bool    { return e.Kind == KindOperator && e.Op <= OpNot }

// Expression is a complete compiled search request, ready for Encode.
type Expression []Entry

const (
	maxQueryLength = 450 // SEARCH_REQ_QUERY_LENGTH
	maxElemCount   = 30  // SEARCH_REQ_ELEM_COUNT
)

// RelatedToFile builds the single-term expression ed2k uses to search for
// sources of an already-known file, "related::<hex hash>".
func RelatedToFile(hash wire.Hash) Expression {
	return Expression{stringEntry("related::" + hash.String())}
}

// Compile parses a user search query containing the literal operators
// AND/OR/NOT, parentheses and double-quoted verbatim spans into a
// compiled Expression. The character scan matches
// original_source's generateSearchRequest token scan exactly; the
// token-to-tree reduction instead climbs NOT/AND/OR precedence (see the
// package doc) to match spec.md's own worked example.
func Compile(query string) (Expression, error) {
	const op = "search.Compile"

	if len(query) > maxQueryLength {
		return nil, errs.New(op, errs.KindInputStringTooLarge)
	}
	if query == "" {
		return Expression{}, nil
	}

	tokens, err := scan(query)
	if err != nil {
		return nil, err
	}
	if len(tokens) > maxElemCount {
		return nil, errs.New(op, errs.KindSearchExpressionTooComplex)
	}

	p := &parser{toks: tokens}
	tree, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, errs.New(op, errs.KindIncorrectBracketsCount)
	}

	var result Expression
	tree.flatten(&result)
	return result, nil
}

// scan walks the query character by character, splitting it into a flat
// token list of operators, brackets and string terms, auto-inserting AND
// between adjacent terms the way item_append does.
func scan(query string) ([]Entry, error) {
	const op = "search.Compile"

	var tokens []Entry
	appendToken := func(e Entry) error {
		if !e.isLogic() && len(tokens) > 0 {
			last := tokens[len(tokens)-1]
			switch {
			case !last.isOperator() && !e.isOperator(),
				!last.isOperator() && e.isOperator() && e.Op == opOBR,
				last.isOperator() && last.Op == opCBR && !e.isOperator(),
				last.isOperator() && last.Op == opCBR && e.isOperator() && e.Op == opOBR:
				tokens = append(tokens, operatorEntry(OpAnd))
			}
			if last.isOperator() && last.Op == opOBR && e.isOperator() && e.Op == opCBR {
				return errs.New(op, errs.KindEmptyBrackets)
			}
		}
		tokens = append(tokens, e)
		return nil
	}

	verbatim := false
	var item strings.Builder

	for _, c := range query {
		switch c {
		case ' ', '(', ')':
			if verbatim {
				item.WriteRune(c)
				continue
			}
			if item.Len() > 0 {
				s := item.String()
				if so, ok := stringToOp(s); ok {
					if len(tokens) == 0 || tokens[len(tokens)-1].isLogic() || c == ')' {
						return nil, errs.New(op, errs.KindOperatorIncorrectPlace)
					}
					if err := appendToken(operatorEntry(so)); err != nil {
						return nil, err
					}
				} else {
					if err := appendToken(stringEntry(stripQuotes(s))); err != nil {
						return nil, err
					}
				}
				item.Reset()
			}
			if c == '(' {
				if err := appendToken(operatorEntry(opOBR)); err != nil {
					return nil, err
				}
			}
			if c == ')' {
				if err := appendToken(operatorEntry(opCBR)); err != nil {
					return nil, err
				}
			}
		case '"':
			verbatim = !verbatim
			item.WriteRune(c)
		default:
			item.WriteRune(c)
		}
	}

	if verbatim {
		return nil, errs.New(op, errs.KindUnclosedQuotationMark)
	}

	if item.Len() > 0 {
		s := item.String()
		if _, ok := stringToOp(s); ok {
			return nil, errs.New(op, errs.KindOperatorIncorrectPlace)
		}
		if err := appendToken(stringEntry(stripQuotes(s))); err != nil {
			return nil, err
		}
	}

	return tokens, nil
}

// node is a parsed expression tree: either a leaf term (copied verbatim
// from the scanned Entry) or a binary connective joining two subtrees.
// Precedence NOT > AND > OR (spec.md scenario 5: "X1 AND X2 OR X3 NOT X4"
// compiles as OR(AND(X1,X2), NOT(X3,X4)), not the flat left-to-right
// chain a precedence-blind scan would produce).
type node struct {
	leaf     Entry
	isLeaf   bool
	op       Op
	lhs, rhs *node
}

// flatten serializes the tree into prefix (root, then left, then right)
// order, the reverse-Polish form the wire encoder expects.
func (n *node) flatten(out *Expression) {
	if n.isLeaf {
		*out = append(*out, n.leaf)
		return
	}
	*out = append(*out, operatorEntry(n.op))
	n.lhs.flatten(out)
	n.rhs.flatten(out)
}

// parser is a standard precedence-climbing recursive-descent parser over
// the flat token list scan produces.
type parser struct {
	toks []Entry
	pos  int
}

func (p *parser) peekOp(op Op) bool {
	return p.pos < len(p.toks) && p.toks[p.pos].isOperator() && p.toks[p.pos].Op == op
}

func (p *parser) parseOr() (*node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekOp(OpOr) {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &node{op: OpOr, lhs: left, rhs: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (*node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peekOp(OpAnd) {
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &node{op: OpAnd, lhs: left, rhs: right}
	}
	return left, nil
}

func (p *parser) parseNot() (*node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peekOp(OpNot) {
		p.pos++
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &node{op: OpNot, lhs: left, rhs: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (*node, error) {
	const op = "search.Compile"

	if p.pos >= len(p.toks) {
		return nil, errs.New(op, errs.KindOperatorIncorrectPlace)
	}
	t := p.toks[p.pos]

	if t.isOperator() && t.Op == opOBR {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.peekOp(opCBR) {
			return nil, errs.New(op, errs.KindIncorrectBracketsCount)
		}
		p.pos++
		return inner, nil
	}

	if t.isOperator() && t.Op == opCBR {
		return nil, errs.New(op, errs.KindIncorrectBracketsCount)
	}
	if t.isOperator() {
		return nil, errs.New(op, errs.KindOperatorIncorrectPlace)
	}

	p.pos++
	return &node{leaf: t, isLeaf: true}, nil
}

func stringToOp(s string) (Op, bool) {
	switch s {
	case "AND":
		return OpAnd, true
	case "OR":
		return OpOr, true
	case "NOT":
		return OpNot, true
	default:
		return 0, false
	}
}

func stripQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, "")
}
